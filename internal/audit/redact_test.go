package audit

import (
	"reflect"
	"testing"
)

func TestRedactSensitiveKeys(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			name: "plain sensitive keys",
			in:   map[string]any{"password": "hunter2hunter2", "token": "eyJhbGciOi", "username": "stargazer"},
			want: map[string]any{"password": RedactionMarker, "token": RedactionMarker, "username": "stargazer"},
		},
		{
			name: "substring and case-insensitive match",
			in:   map[string]any{"user_password": "x", "Authorization": "Bearer abc", "X-Api-Key": "neo_123", "reason": "expired"},
			want: map[string]any{"user_password": RedactionMarker, "Authorization": RedactionMarker, "X-Api-Key": RedactionMarker, "reason": "expired"},
		},
		{
			name: "nested maps",
			in: map[string]any{
				"request": map[string]any{
					"refresh_token": "raw-value",
					"path":          "/auth/refresh",
				},
			},
			want: map[string]any{
				"request": map[string]any{
					"refresh_token": RedactionMarker,
					"path":          "/auth/refresh",
				},
			},
		},
		{
			name: "maps inside slices",
			in: map[string]any{
				"attempts": []any{
					map[string]any{"secret": "s3cr3t", "ip": "203.0.113.7"},
					"plain entry",
				},
			},
			want: map[string]any{
				"attempts": []any{
					map[string]any{"secret": RedactionMarker, "ip": "203.0.113.7"},
					"plain entry",
				},
			},
		},
		{
			name: "non-string sensitive values",
			in:   map[string]any{"api_key": 12345, "count": 2},
			want: map[string]any{"api_key": RedactionMarker, "count": 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Redact() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestRedactDoesNotMutateInput(t *testing.T) {
	in := map[string]any{
		"password": "hunter2hunter2",
		"nested":   map[string]any{"token": "raw"},
	}

	Redact(in)

	if in["password"] != "hunter2hunter2" {
		t.Error("Redact mutated the top-level input map")
	}
	if in["nested"].(map[string]any)["token"] != "raw" {
		t.Error("Redact mutated a nested input map")
	}
}

func TestRedactNil(t *testing.T) {
	if got := Redact(nil); got != nil {
		t.Errorf("Redact(nil) = %v, want nil", got)
	}
}
