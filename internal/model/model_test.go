package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestVital_MarshalNumber(t *testing.T) {
	data, err := json.Marshal(NewVital(120, "beats/minute"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "120" {
		t.Errorf("expected 120, got %s", data)
	}
}

func TestVital_MarshalNA(t *testing.T) {
	data, err := json.Marshal(NA())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `"N/A"` {
		t.Errorf(`expected "N/A", got %s`, data)
	}
}

func TestVital_RoundTrip(t *testing.T) {
	var v Vital
	if err := json.Unmarshal([]byte("37.9"), &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Valid || v.Value != 37.9 {
		t.Errorf("expected valid 37.9, got %+v", v)
	}

	if err := json.Unmarshal([]byte(`"N/A"`), &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Valid {
		t.Errorf("expected N/A to unmarshal invalid, got %+v", v)
	}
}

func TestBloodPressure_Marshal(t *testing.T) {
	data, err := json.Marshal(BloodPressure{Systolic: 132, Diastolic: 86, Valid: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"systolic":132`) || !strings.Contains(string(data), `"diastolic":86`) {
		t.Errorf("unexpected bp payload: %s", data)
	}

	data, err = json.Marshal(BloodPressure{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `"N/A"` {
		t.Errorf(`expected "N/A" for empty pair, got %s`, data)
	}
}

// Every vitals field serializes as either a number or "N/A", never a mix and
// never missing.
func TestVitalsSnapshot_AlwaysCompleteJSON(t *testing.T) {
	vs := VitalsSnapshot{HeartRate: NewVital(88, "beats/minute")}
	data, err := json.Marshal(vs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{"hr", "bp", "temp", "rr", "spo2"} {
		raw, ok := out[key]
		if !ok {
			t.Errorf("missing vitals key %q", key)
			continue
		}
		if key == "hr" {
			if string(raw) != "88" {
				t.Errorf("expected hr 88, got %s", raw)
			}
		} else if string(raw) != `"N/A"` {
			t.Errorf(`expected %q to be "N/A", got %s`, key, raw)
		}
	}
}

func TestVital_String(t *testing.T) {
	if s := NewVital(98.6, "%").String(); s != "98.6" {
		t.Errorf("expected 98.6, got %q", s)
	}
	if s := NA().String(); s != "N/A" {
		t.Errorf("expected N/A, got %q", s)
	}
}
