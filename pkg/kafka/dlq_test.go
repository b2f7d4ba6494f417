package kafka

import (
	"errors"
	"testing"
	"time"
)

func TestDLQEnvelopeRoundTrip(t *testing.T) {
	original := Message{
		Key:       []byte("dev-1"),
		Value:     []byte(`{"ph": not json`),
		Headers:   map[string]string{"device_id": "dev-1", "source": "sluice"},
		Topic:     "sensor_readings",
		Partition: 3,
		Offset:    42,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
	cause := errors.New("parse reading: invalid character 'n'")

	body, err := EncodeDLQMessage(original, cause, "confluence")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	payload, value, err := DecodeDLQPayload(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if payload.Topic != "sensor_readings" || payload.Partition != 3 || payload.Offset != 42 {
		t.Fatalf("provenance mismatch: %+v", payload)
	}
	if payload.Consumer != "confluence" {
		t.Fatalf("consumer = %s", payload.Consumer)
	}
	if payload.Error != cause.Error() {
		t.Fatalf("error = %s", payload.Error)
	}
	if string(value) != string(original.Value) {
		t.Fatalf("value round trip failed: %s", value)
	}
	if payload.Headers["device_id"] != "dev-1" {
		t.Fatalf("headers lost: %v", payload.Headers)
	}
}

func TestDecodeDLQPayload_RejectsGarbage(t *testing.T) {
	if _, _, err := DecodeDLQPayload([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestEncodeDLQMessage_EmptyKeyOmitted(t *testing.T) {
	body, err := EncodeDLQMessage(Message{Value: []byte("x"), Topic: "t"}, nil, "c")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload, _, err := DecodeDLQPayload(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.KeyBase64 != "" {
		t.Fatalf("expected empty key, got %s", payload.KeyBase64)
	}
}
