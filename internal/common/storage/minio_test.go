package storage

import "testing"

func TestNewMinIOStorageValidates(t *testing.T) {
	cases := []MinIOConfig{
		{AccessKey: "a", SecretKey: "s"},
		{Endpoint: "localhost:9000", SecretKey: "s"},
		{Endpoint: "localhost:9000", AccessKey: "a"},
	}
	for i, cfg := range cases {
		if _, err := NewMinIOStorage(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if _, err := NewMinIOStorage(MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}); err != nil {
		t.Fatalf("valid config: %v", err)
	}
}
