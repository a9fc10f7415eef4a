package persistence

import (
	"testing"
)

func TestParseClassificationAllFields(t *testing.T) {
	derived := ParseClassification("Emne(billing) Happy(4) info(no) fallback(yes)")

	if derived.Emne == nil || *derived.Emne != "billing" {
		t.Errorf("emne: got %v", derived.Emne)
	}
	if derived.Score == nil || *derived.Score != "4" {
		t.Errorf("score: got %v", derived.Score)
	}
	if derived.LackingInfo == nil || *derived.LackingInfo != false {
		t.Errorf("lacking_info: got %v", derived.LackingInfo)
	}
	if derived.Fallback == nil || *derived.Fallback != true {
		t.Errorf("fallback: got %v", derived.Fallback)
	}
}

func TestParseClassificationMissingFieldsStayNil(t *testing.T) {
	derived := ParseClassification("Emne(support)")

	if derived.Emne == nil || *derived.Emne != "support" {
		t.Errorf("emne: got %v", derived.Emne)
	}
	if derived.Score != nil {
		t.Errorf("score must stay nil, got %v", *derived.Score)
	}
	if derived.LackingInfo != nil {
		t.Errorf("lacking_info must stay nil, got %v", *derived.LackingInfo)
	}
	if derived.Fallback != nil {
		t.Errorf("fallback must stay nil, got %v", *derived.Fallback)
	}
}

func TestParseClassificationGarbage(t *testing.T) {
	derived := ParseClassification("I could not classify this conversation.")

	if derived.Emne != nil || derived.Score != nil || derived.LackingInfo != nil || derived.Fallback != nil {
		t.Errorf("all fields must stay nil on unparseable response: %+v", derived)
	}
}

func TestParseClassificationInfoYes(t *testing.T) {
	derived := ParseClassification("info(yes) fallback(no)")

	if derived.LackingInfo == nil || *derived.LackingInfo != true {
		t.Errorf("info(yes) must set lacking_info true, got %v", derived.LackingInfo)
	}
	if derived.Fallback == nil || *derived.Fallback != false {
		t.Errorf("fallback(no) must set fallback false, got %v", derived.Fallback)
	}
}

func TestExtractTextUnwrapsJSON(t *testing.T) {
	if got := extractText([]byte(`{"text":"Emne(billing)"}`)); got != "Emne(billing)" {
		t.Errorf("expected unwrapped text, got %q", got)
	}
	if got := extractText([]byte(`Emne(billing) raw`)); got != "Emne(billing) raw" {
		t.Errorf("expected raw passthrough, got %q", got)
	}
}

func TestConversationText(t *testing.T) {
	text := conversationText([]Message{
		{Text: "Welcome!", IsUser: false},
		{Text: "hello", IsUser: true},
		{Text: "Hi there", IsUser: false},
	})

	want := "Assistant: Welcome!\nUser: hello\nAssistant: Hi there\n"
	if text != want {
		t.Errorf("conversation text:\n got %q\nwant %q", text, want)
	}
}
