package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/singleflight"
)

const (
	defaultKeyTTL      = 5 * time.Minute
	minRefreshInterval = 10 * time.Second
	fetchTimeout       = 5 * time.Second
)

var errUnknownKey = errors.New("unknown token key")

// keySet caches the auth service's RSA signing keys by kid. Unknown kids
// trigger one shared refetch, at most once per minRefreshInterval.
type keySet struct {
	url    string
	client *http.Client
	now    func() time.Time
	group  singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expires   time.Time
	fetchedAt time.Time
}

func newKeySet(url string, client *http.Client) *keySet {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &keySet{url: url, client: client, now: time.Now}
}

// lookup returns the key for kid, refetching when it is unknown or the
// cached set has expired.
func (k *keySet) lookup(kid string) (*rsa.PublicKey, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errUnknownKey
	}
	k.mu.RLock()
	key, ok := k.keys[kid]
	fresh := k.now().Before(k.expires)
	recent := k.now().Sub(k.fetchedAt) < minRefreshInterval
	k.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}
	if !ok && recent {
		return nil, errUnknownKey
	}
	if err := k.refresh(); err != nil {
		if ok {
			// keep serving a known key while the auth service is unreachable
			return key, nil
		}
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok := k.keys[kid]; ok {
		return key, nil
	}
	return nil, errUnknownKey
}

func (k *keySet) refresh() error {
	_, err, _ := k.group.Do("jwks", func() (any, error) {
		return nil, k.fetch()
	})
	return err
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (k *keySet) fetch() error {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := k.client.Do(req)
	k.mu.Lock()
	k.fetchedAt = k.now()
	k.mu.Unlock()
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := jsoniter.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, entry := range doc.Keys {
		if !strings.EqualFold(strings.TrimSpace(entry.Kty), "RSA") {
			continue
		}
		if use := strings.TrimSpace(entry.Use); use != "" && use != "sig" {
			continue
		}
		kid := strings.TrimSpace(entry.Kid)
		if kid == "" {
			continue
		}
		pub, err := rsaPublicKey(entry.N, entry.E)
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}
	ttl := cacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	k.mu.Lock()
	k.keys = keys
	k.expires = k.now().Add(ttl)
	k.mu.Unlock()
	return nil
}

func rsaPublicKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.BitLen() < 2048 || !e.IsInt64() || e.Int64() < 3 {
		return nil, errors.New("rsa key too weak or malformed")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// cacheMaxAge reads max-age from a Cache-Control header; no-store and
// no-cache yield zero.
func cacheMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		if directive == "no-store" || directive == "no-cache" {
			return 0
		}
		raw, ok := strings.CutPrefix(directive, "max-age=")
		if !ok {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
