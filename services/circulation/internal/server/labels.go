package server

import (
	"net/http"
	"strings"

	"circulation/pkg/domain"
)

type lang string

const (
	langEN lang = "en"
	langVI lang = "vi"
)

// Display labels. Business logic only ever sees the canonical enums; these
// tables are consulted when rendering and when parsing human input.
var statusLabels = map[domain.SessionStatus]map[lang]string{
	domain.StatusPending:   {langEN: "pending", langVI: "chờ duyệt"},
	domain.StatusApproved:  {langEN: "approved", langVI: "đã duyệt"},
	domain.StatusBorrowed:  {langEN: "borrowed", langVI: "đang mượn"},
	domain.StatusReturned:  {langEN: "returned", langVI: "đã trả"},
	domain.StatusRejected:  {langEN: "rejected", langVI: "bị từ chối"},
	domain.StatusCancelled: {langEN: "cancelled", langVI: "đã hủy"},
	domain.StatusOverdue:   {langEN: "overdue", langVI: "quá hạn"},
}

var conditionLabels = map[domain.Condition]map[lang]string{
	domain.ConditionGood:         {langEN: "good", langVI: "tốt"},
	domain.ConditionDamagedLight: {langEN: "damaged-light", langVI: "hư hỏng nhẹ"},
	domain.ConditionDamagedHeavy: {langEN: "damaged-heavy", langVI: "hư hỏng nặng"},
	domain.ConditionLost:         {langEN: "lost", langVI: "mất"},
}

var reasonLabels = map[domain.ViolationReason]map[lang]string{
	domain.ReasonOverdue: {langEN: "overdue", langVI: "trả quá hạn"},
	domain.ReasonDamaged: {langEN: "damaged", langVI: "làm hư hỏng"},
	domain.ReasonLost:    {langEN: "lost", langVI: "làm mất"},
}

var (
	statusByLabel    = invert(statusLabels)
	conditionByLabel = invert(conditionLabels)
)

func invert[K ~string](table map[K]map[lang]string) map[string]K {
	out := make(map[string]K, len(table)*2)
	for key, labels := range table {
		out[strings.ToLower(string(key))] = key
		for _, label := range labels {
			out[strings.ToLower(label)] = key
		}
	}
	return out
}

// requestLang picks the display language from ?lang= or Accept-Language.
func requestLang(r *http.Request) lang {
	raw := strings.TrimSpace(r.URL.Query().Get("lang"))
	if raw == "" {
		raw = r.Header.Get("Accept-Language")
	}
	raw = strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(raw, "vi") {
		return langVI
	}
	return langEN
}

func label[K ~string](table map[K]map[lang]string, key K, l lang) string {
	if labels, ok := table[key]; ok {
		if text, ok := labels[l]; ok {
			return text
		}
	}
	return string(key)
}

func statusLabel(s domain.SessionStatus, l lang) string {
	return label(statusLabels, s, l)
}

func conditionLabel(c domain.Condition, l lang) string {
	if c == "" {
		return ""
	}
	return label(conditionLabels, c, l)
}

func reasonLabel(r domain.ViolationReason, l lang) string {
	return label(reasonLabels, r, l)
}

// parseStatus accepts a canonical or localized status.
func parseStatus(raw string) (domain.SessionStatus, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", true
	}
	status, ok := statusByLabel[raw]
	return status, ok
}

// parseCondition accepts a canonical or localized return condition.
func parseCondition(raw string) (domain.Condition, bool) {
	condition, ok := conditionByLabel[strings.ToLower(strings.TrimSpace(raw))]
	return condition, ok
}
