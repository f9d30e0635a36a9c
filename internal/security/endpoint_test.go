package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	// IP literals and blocked hostnames are checked without DNS.
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public ip https", "https://203.0.113.10/hook", false},
		{"public ip http", "http://198.51.100.7:8080/events", false},
		{"loopback", "http://127.0.0.1:9090/hook", true},
		{"private 10", "https://10.0.0.5/hook", true},
		{"private 192.168", "https://192.168.1.20/hook", true},
		{"link local", "http://169.254.169.254/latest/meta-data", true},
		{"unspecified", "http://0.0.0.0/hook", true},
		{"localhost name", "http://localhost:3000/hook", true},
		{"gcp metadata", "http://metadata.google.internal/computeMetadata", true},
		{"bad scheme", "ftp://203.0.113.10/hook", true},
		{"no host", "https:///hook", true},
		{"garbage", "://nope", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEndpointURL(%q) = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
