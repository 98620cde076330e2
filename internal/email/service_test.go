package email

import (
	"context"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestBuildMessage(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "eos@example.com", FromName: "EOS"})
	msg := string(svc.buildMessage([]string{"a@example.com", "b@example.com"}, "Hello", "plain body", "<p>html body</p>"))

	for _, want := range []string{
		"To: a@example.com, b@example.com\r\n",
		"From: EOS <eos@example.com>\r\n",
		"Subject: Hello\r\n",
		"Content-Type: text/plain; charset=UTF-8",
		"plain body",
		"Content-Type: text/html; charset=UTF-8",
		"<p>html body</p>",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendUnconfigured(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.Send(context.Background(), []string{"a@example.com"}, "s", "t", ""); err == nil {
		t.Fatal("expected error for unconfigured service")
	}
}
