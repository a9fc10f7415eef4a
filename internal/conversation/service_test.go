package conversation

import (
	"encoding/json"
	"testing"

	"github.com/convobase/chatcore/internal/settings"
)

func TestSelectFlow(t *testing.T) {
	tests := []struct {
		name string
		cfg  requestConfiguration
		want string
	}{
		{"default", requestConfiguration{}, flowMain},
		{"api opt-in", requestConfiguration{UseAPIFlow: true}, flowAPI},
		{"order details win", requestConfiguration{UseAPIFlow: true, OrderDetails: json.RawMessage(`{"id":1}`)}, flowOrder},
		{"null order details ignored", requestConfiguration{OrderDetails: json.RawMessage(`null`)}, flowMain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectFlow(tt.cfg); got != tt.want {
				t.Errorf("selectFlow = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBuildUpstreamBody(t *testing.T) {
	tenant := &settings.Settings{
		UpstreamURL:        "https://upstream.example/stream",
		ImageUploadEnabled: true,
		FlowKeys:           settings.FlowKeys{Main: "key-main", Order: "key-order"},
	}

	req := ProcessMessageRequest{
		UserID:      "u1",
		ChatbotID:   "bot",
		MessageText: "where is my order?",
		ImageData:   "data:image/png;base64,abc",
		History:     json.RawMessage(`[{"text":"earlier"}]`),
	}
	cfg := requestConfiguration{OrderDetails: json.RawMessage(`{"order_id":"42"}`)}

	body := buildUpstreamBody(req, cfg, tenant, flowOrder)

	if body["question"] != "where is my order?" {
		t.Errorf("question: got %v", body["question"])
	}
	if body["flowKey"] != "key-order" {
		t.Errorf("order flow must use the order key, got %v", body["flowKey"])
	}
	if body["imageData"] != req.ImageData {
		t.Errorf("imageData: got %v", body["imageData"])
	}
	if _, ok := body["history"]; !ok {
		t.Error("history must be forwarded")
	}
	if _, ok := body["orderDetails"]; !ok {
		t.Error("order details must be forwarded on the order flow")
	}
}

func TestBuildUpstreamBodyImageRequiresEnablement(t *testing.T) {
	tenant := &settings.Settings{FlowKeys: settings.FlowKeys{Main: "key-main"}}
	req := ProcessMessageRequest{MessageText: "hi", ImageData: "data:image/png;base64,abc"}

	body := buildUpstreamBody(req, requestConfiguration{}, tenant, flowMain)

	if _, ok := body["imageData"]; ok {
		t.Error("image data must not be forwarded when uploads are disabled")
	}
	if body["flowKey"] != "key-main" {
		t.Errorf("flowKey: got %v", body["flowKey"])
	}
}

func TestFlowKeyFallback(t *testing.T) {
	keys := settings.FlowKeys{Main: "m"}

	if keys.KeyFor("api") != "m" {
		t.Error("missing api key must fall back to main")
	}
	if keys.KeyFor("order") != "m" {
		t.Error("missing order key must fall back to main")
	}

	keys.API = "a"
	if keys.KeyFor("api") != "a" {
		t.Error("configured api key must be used")
	}
}
