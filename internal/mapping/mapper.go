package mapping

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/opsbridge/sync-core/internal/model"
)

const titleTruncateLimit = 2000

// Warning is a non-fatal translation note (an unknown status/property
// etc.), surfaced by the caller as a metric increment rather than an
// error. The mapper itself is pure and performs no I/O.
type Warning struct {
	Kind    string // "unknown_status" | "unknown_property" | "invalid_url"
	Side    string
	Detail  string
}

// Mapper is the pure, stateless Field Mapper: same input always
// produces the same output.
type Mapper struct {
	reg *Registry
}

// NewMapper builds a Mapper bound to a loaded Registry.
func NewMapper(reg *Registry) *Mapper {
	return &Mapper{reg: reg}
}

// fieldPathKind assigns the target PropertyValue variant each known
// issue_field_path translates to. The registry config only names the
// source path and the target property name; the kind is derived from
// the field's own semantics, matching how the field behaves on the
// source side.
func fieldPathKind(fieldPath string) model.PropertyKind {
	switch fieldPath {
	case "title":
		return model.PropTitle
	case "body":
		return model.PropRichText
	case "state":
		return model.PropStatus
	case "labels":
		return model.PropMultiSelect
	case "assignees":
		return model.PropPeople
	case "user.login", "author":
		return model.PropRichText
	case "html_url", "url":
		return model.PropURL
	case "number":
		return model.PropNumber
	case "created_at", "updated_at":
		return model.PropDate
	default:
		return model.PropRichText
	}
}

func fieldValue(issue model.IssueRecord, fieldPath string) (any, bool) {
	switch fieldPath {
	case "title":
		return issue.Title, true
	case "body":
		return issue.Body, true
	case "state":
		return issue.State, true
	case "labels":
		return issue.Labels, true
	case "assignees":
		return issue.Assignees, true
	case "user.login", "author":
		return issue.Author, true
	case "html_url", "url":
		return issue.URL, true
	case "number":
		return issue.SrcNumber, true
	case "created_at":
		return issue.CreatedAt, true
	case "updated_at":
		return issue.UpdatedAt, true
	default:
		return nil, false
	}
}

// SrcToTgt translates an IssueRecord into the target's property map,
// applying the mapper's type coercion rules.
func (m *Mapper) SrcToTgt(issue model.IssueRecord) (map[string]model.PropertyValue, []Warning) {
	out := make(map[string]model.PropertyValue, len(m.reg.SrcToTgt))
	var warnings []Warning

	for fieldPath, propName := range m.reg.SrcToTgt {
		val, ok := fieldValue(issue, fieldPath)
		if !ok {
			continue // unknown source field: ignored, not an error
		}
		kind := fieldPathKind(fieldPath)
		pv, warn := coerceToTarget(kind, fieldPath, val, m.reg.StatusMap)
		if warn != nil {
			warnings = append(warnings, *warn)
		}
		if pv == nil {
			continue // date/unknown-value omission: property not written
		}
		out[propName] = *pv
	}

	// checkbox is derived from state unless a dedicated mapping exists,
	// and only written to a property the operator actually declared.
	if _, mapped := m.reg.SrcToTgt["state"]; !mapped && m.reg.DerivedCheckboxProperty != "" {
		out[m.reg.DerivedCheckboxProperty] = model.PropertyValue{Kind: model.PropCheckbox, Checkbox: issue.State == "closed"}
	}

	return out, warnings
}

// TgtToSrc translates a PageRecord into a partial IssueUpdate, only
// including fields present in the registry's tgt_to_src map and
// actually carried by the page.
func (m *Mapper) TgtToSrc(page model.PageRecord) (model.IssueUpdate, []Warning) {
	var update model.IssueUpdate
	var warnings []Warning

	for propName, fieldPath := range m.reg.TgtToSrc {
		pv, ok := page.Properties[propName]
		if !ok {
			continue
		}
		switch fieldPath {
		case "state":
			folded := strings.ToLower(pv.Text)
			srcState, known := m.reg.StatusMap.TgtToSrc[folded]
			if !known {
				srcState = m.reg.StatusMap.DefaultSrcValue
				warnings = append(warnings, Warning{Kind: "unknown_status", Side: "tgt", Detail: pv.Text})
			}
			update.State = &srcState
		case "title":
			t := pv.Text
			update.Title = &t
		case "body":
			b := pv.Text
			update.Body = &b
		case "labels":
			ls := append([]string{}, pv.MultiSelect...)
			update.Labels = &ls
		case "assignees":
			as := append([]string{}, pv.People...)
			update.Assignees = &as
		default:
			warnings = append(warnings, Warning{Kind: "unknown_property", Side: "src", Detail: propName})
		}
	}

	return update, warnings
}

func coerceToTarget(kind model.PropertyKind, fieldPath string, val any, sm StatusMap) (*model.PropertyValue, *Warning) {
	switch kind {
	case model.PropTitle, model.PropRichText:
		s := fmt.Sprintf("%v", val)
		return &model.PropertyValue{Kind: kind, Text: truncate(s, titleTruncateLimit)}, nil

	case model.PropStatus:
		s, _ := val.(string)
		folded := strings.ToLower(s)
		mapped, known := sm.SrcToTgt[folded]
		var warn *Warning
		if !known {
			mapped = sm.DefaultTgtValue
			warn = &Warning{Kind: "unknown_status", Side: "src", Detail: s}
		}
		return &model.PropertyValue{Kind: model.PropStatus, Text: mapped}, warn

	case model.PropMultiSelect:
		labels, _ := val.([]string)
		seen := make(map[string]bool, len(labels))
		dedup := make([]string, 0, len(labels))
		for _, l := range labels {
			if !seen[l] {
				seen[l] = true
				dedup = append(dedup, l)
			}
		}
		return &model.PropertyValue{Kind: model.PropMultiSelect, MultiSelect: dedup}, nil

	case model.PropNumber:
		switch n := val.(type) {
		case int:
			f := float64(n)
			return &model.PropertyValue{Kind: model.PropNumber, Number: &f}, nil
		case float64:
			return &model.PropertyValue{Kind: model.PropNumber, Number: &n}, nil
		default:
			return &model.PropertyValue{Kind: model.PropNumber, Number: nil}, nil
		}

	case model.PropCheckbox:
		b, _ := val.(bool)
		return &model.PropertyValue{Kind: model.PropCheckbox, Checkbox: b}, nil

	case model.PropDate:
		t, ok := val.(time.Time)
		if !ok || t.IsZero() {
			return nil, nil // unknown value: property omitted, not null-written
		}
		tt := t.UTC()
		return &model.PropertyValue{Kind: model.PropDate, Date: &tt}, nil

	case model.PropPeople:
		people, _ := val.([]string)
		return &model.PropertyValue{Kind: model.PropPeople, People: people}, nil

	case model.PropURL:
		s, _ := val.(string)
		if _, err := url.ParseRequestURI(s); err != nil && s != "" {
			return nil, &Warning{Kind: "invalid_url", Side: "src", Detail: s}
		}
		return &model.PropertyValue{Kind: model.PropURL, Text: s}, nil

	default:
		return nil, nil
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

// IsIgnoredAuthor reports whether an issue's author should be filtered
// as a bot.
func (m *Mapper) IsIgnoredAuthor(author string) bool {
	if !m.reg.Filters.IgnoreBots {
		return false
	}
	return strings.HasSuffix(author, "[bot]") || strings.HasSuffix(author, "-bot")
}

// IsIgnoredLabel reports whether any of the issue's labels are in the
// configured ignore list.
func (m *Mapper) IsIgnoredLabel(labels []string) bool {
	if len(m.reg.Filters.IgnoredLabels) == 0 {
		return false
	}
	ignored := make(map[string]bool, len(m.reg.Filters.IgnoredLabels))
	for _, l := range m.reg.Filters.IgnoredLabels {
		ignored[l] = true
	}
	for _, l := range labels {
		if ignored[l] {
			return true
		}
	}
	return false
}

// SyncOptions exposes the registry's orchestration toggles to the Sync
// Orchestrator.
func (m *Mapper) SyncOptions() SyncOptions { return m.reg.SyncOptions }
