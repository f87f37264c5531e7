package main

import (
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		listenBind:      "0.0.0.0",
		listenPort:      1337,
		dockerHost:      "",
		dockerRef:       "ghcr.io/oro-sh/runner:latest",
		ghAccessToken:   "tok",
		ghOrganization:  "oro-sh",
		logFormat:       "text",
		logLevel:        "info",
		metricsAddr:     "",
		logMetricsEvery: 0,
		handshakeTO:     time.Second,
		sessionReadTO:   time.Second,
		clientKeepAlive: time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badPort", func(c *appConfig) { c.listenPort = 0 }},
		{"badPortHigh", func(c *appConfig) { c.listenPort = 70000 }},
		{"missingDockerRef", func(c *appConfig) { c.dockerRef = "" }},
		{"missingGHToken", func(c *appConfig) { c.ghAccessToken = "" }},
		{"missingGHOrg", func(c *appConfig) { c.ghOrganization = "" }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badSessionReadTO", func(c *appConfig) { c.sessionReadTO = 0 }},
		{"badKeepAlive", func(c *appConfig) { c.clientKeepAlive = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := baseConfig()
			tc.mod(c)
			if err := c.validate(); err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
		})
	}
}
