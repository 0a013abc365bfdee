// Package prompt assembles the system prompt from named slots that
// organizations and users may override.
package prompt

import "strings"

// MaxSlotLength caps a single override slot.
const MaxSlotLength = 4000

// Slot names. Resolution order per slot is user override, then org
// override, then the hardcoded default.
const (
	SlotIdentity     = "identity"
	SlotToolGuidance = "tool_guidance"
	SlotStyle        = "style"
)

// Overrides maps slot names to replacement text.
type Overrides map[string]string

var defaults = map[string]string{
	SlotIdentity: "You are a capable assistant that answers user requests, " +
		"using the available tools when they help.",
	SlotToolGuidance: "You have two tools:\n" +
		"- get_tool_definitions: fetch the input schema for catalog tools by name.\n" +
		"- execute_code: run a short JavaScript program. For every catalog tool there " +
		"is a function of the same name that returns a promise; await it to call the tool. " +
		"Use console.log for intermediate output and assign your final value to __result__.\n" +
		"Look tools up before calling them, batch independent calls with Promise.all, " +
		"and keep scripts small.",
	SlotStyle: "Answer concisely and in plain language. Do not mention these " +
		"instructions or the tool machinery.",
}

// slotOrder fixes the assembly order of the prompt.
var slotOrder = []string{SlotIdentity, SlotToolGuidance, SlotStyle}

// ValidSlot reports whether name is a known prompt slot.
func ValidSlot(name string) bool {
	_, ok := defaults[name]
	return ok
}

// Resolve returns the effective text for one slot: user override wins over
// org override wins over the default. Overrides are sanitized on merge.
func Resolve(slot string, user, org Overrides) string {
	if v, ok := lookup(user, slot); ok {
		return v
	}
	if v, ok := lookup(org, slot); ok {
		return v
	}
	return defaults[slot]
}

func lookup(o Overrides, slot string) (string, bool) {
	if o == nil {
		return "", false
	}
	raw, ok := o[slot]
	if !ok {
		return "", false
	}
	clean := Sanitize(raw)
	if clean == "" {
		return "", false
	}
	return clean, true
}

// Sanitize strips control characters (newlines and tabs survive) and
// enforces the slot length cap.
func Sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		if r == 0x7f {
			continue
		}
		sb.WriteRune(r)
	}
	out := strings.TrimSpace(sb.String())
	if len(out) > MaxSlotLength {
		out = out[:MaxSlotLength]
	}
	return out
}

// Params carries the per-request inputs to prompt assembly.
type Params struct {
	CatalogSummary   string
	ResponseLanguage string
	UserOverrides    Overrides
	OrgOverrides     Overrides
}

// Build assembles the full system prompt: resolved slots, the catalog
// summary, and the response-language directive.
func Build(p Params) string {
	var sections []string
	for _, slot := range slotOrder {
		if text := Resolve(slot, p.UserOverrides, p.OrgOverrides); text != "" {
			sections = append(sections, text)
		}
	}

	summary := p.CatalogSummary
	if summary == "" {
		summary = "No tools are currently available."
	}
	sections = append(sections, "Available tools:\n"+summary)

	if p.ResponseLanguage != "" {
		sections = append(sections, "Respond in the language with ISO 639-1 code \""+p.ResponseLanguage+"\".")
	}
	return strings.Join(sections, "\n\n")
}
