package sshsession

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{name: "plain path", in: "/scratch/user01/out", expected: "'/scratch/user01/out'"},
		{name: "embedded single quote", in: "it's/here", expected: `'it'\''s/here'`},
		{name: "empty string", in: "", expected: "''"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, shellQuote(tt.in))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "", truncate("", 3))
}

func TestReadSCPAck(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		errMsg  string
	}{
		{name: "ack ok", input: "\x00", wantErr: false},
		{name: "minor error", input: "\x01remote error occurred\n", wantErr: true, errMsg: "remote error occurred"},
		{name: "fatal error", input: "\x02fatal remote error\n", wantErr: true, errMsg: "fatal remote error"},
		{name: "empty message defaults", input: "\x01\n", wantErr: true, errMsg: "remote scp returned an error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tt.input))
			err := readSCPAck(r)
			if tt.wantErr {
				assert.EqualError(t, err, tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	plain := "/abs/path/key"
	assert.Equal(t, plain, expandHome(plain))

	expanded := expandHome("~/.ssh/id_ed25519")
	assert.NotEqual(t, "~/.ssh/id_ed25519", expanded)
	assert.Contains(t, expanded, "/.ssh/id_ed25519")
}

func TestConnectionInfoBeforeConfigure(t *testing.T) {
	s := New()
	info := s.ConnectionInfo()
	assert.False(t, info.Connected)
	assert.Equal(t, "", info.Host)
}

func TestHealthCheckReportsUnconfigured(t *testing.T) {
	s := New()
	hc := s.HealthCheck(nil)
	assert.False(t, hc.Healthy)
	assert.Equal(t, "SSH not configured", hc.Message)
}

func TestConfigureAppliesDefaults(t *testing.T) {
	s := New()
	s.Configure(Config{Host: "hpc.example.edu", User: "user01"})
	assert.Equal(t, 22, s.cfg.Port)
	assert.Equal(t, DefaultConnectTimeout, s.cfg.ConnectTimeout)
	assert.Equal(t, DefaultCommandTimeout, s.cfg.CommandTimeout)
	assert.Equal(t, DefaultIdleTimeout, s.cfg.IdleTimeout)
}
