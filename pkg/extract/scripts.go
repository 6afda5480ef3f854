package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Snapshot is the page state captured by SnapshotScript.
type Snapshot struct {
	// Found reports whether an assistant message exists yet
	Found bool `json:"found"`

	// Busy reports whether the UI still shows its stop-generating control
	Busy bool `json:"busy"`

	// Chars is the length of the message's visible text
	Chars int `json:"chars"`

	// HTML is the outer markup of the latest assistant turn
	HTML string `json:"html"`
}

// HasContent reports whether the snapshot holds a non-empty answer.
func (s Snapshot) HasContent() bool {
	return s.Found && s.Chars > 0
}

// Same reports whether two snapshots show identical answer content.
func (s Snapshot) Same(other Snapshot) bool {
	return s.Found == other.Found && s.HTML == other.HTML
}

// SubmitResult is the outcome reported by SubmitScript.
type SubmitResult struct {
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
	Fallback string `json:"fallback,omitempty"`
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// ReadyScript returns a script reporting whether the prompt input is
// present and interactive. It evaluates to "true" or "false".
func (s Strategy) ReadyScript() string {
	return fmt.Sprintf(`() => {
  const el = document.querySelector(%s);
  const ready = !!el && !el.disabled && el.getAttribute("aria-disabled") !== "true";
  return JSON.stringify(ready);
}`, jsString(s.Selectors.Input))
}

// SubmitScript returns a script that fills the prompt input and sends it in
// one evaluation. It evaluates to a JSON SubmitResult.
func (s Strategy) SubmitScript(prompt string) string {
	return fmt.Sprintf(`async () => {
  const input = document.querySelector(%s);
  if (!input) {
    return JSON.stringify({ ok: false, reason: "input not found" });
  }
  const text = %s;
  input.focus();
  if (input.tagName === "TEXTAREA" || input.tagName === "INPUT") {
    const desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(input), "value");
    desc.set.call(input, text);
  } else {
    input.textContent = text;
  }
  input.dispatchEvent(new Event("input", { bubbles: true }));
  for (let i = 0; i < 50; i++) {
    const send = document.querySelector(%s);
    if (send && !send.disabled) {
      send.click();
      return JSON.stringify({ ok: true });
    }
    await new Promise((r) => setTimeout(r, 100));
  }
  input.dispatchEvent(new KeyboardEvent("keydown", { key: "Enter", code: "Enter", keyCode: 13, bubbles: true }));
  return JSON.stringify({ ok: true, fallback: "enter" });
}`, jsString(s.Selectors.Input), jsString(prompt), jsString(s.Selectors.Send))
}

// SnapshotScript returns a script capturing the latest assistant turn. It
// evaluates to a JSON Snapshot and never modifies the page.
func (s Strategy) SnapshotScript() string {
	return fmt.Sprintf(`() => {
  const busySel = %s;
  const turnSel = %s;
  const busy = busySel !== "" && !!document.querySelector(busySel);
  const msgs = document.querySelectorAll(%s);
  if (msgs.length === 0) {
    return JSON.stringify({ found: false, busy: busy, chars: 0, html: "" });
  }
  const msg = msgs[msgs.length - 1];
  const turn = (turnSel !== "" && msg.closest(turnSel)) || msg;
  const chars = (msg.innerText || msg.textContent || "").trim().length;
  return JSON.stringify({ found: true, busy: busy, chars: chars, html: turn.outerHTML });
}`, jsString(s.Selectors.Busy), jsString(s.Selectors.Turn), jsString(s.Selectors.Message))
}

// ParseSnapshot decodes the value returned by SnapshotScript.
func ParseSnapshot(raw string) (Snapshot, error) {
	var snap Snapshot
	if strings.TrimSpace(raw) == "" {
		return snap, fmt.Errorf("empty snapshot result")
	}
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return snap, fmt.Errorf("invalid snapshot result: %w", err)
	}
	return snap, nil
}

// ParseSubmitResult decodes the value returned by SubmitScript.
func ParseSubmitResult(raw string) (SubmitResult, error) {
	var res SubmitResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return res, fmt.Errorf("invalid submit result: %w", err)
	}
	return res, nil
}

// ParseReady decodes the value returned by ReadyScript.
func ParseReady(raw string) bool {
	return strings.TrimSpace(raw) == "true"
}
