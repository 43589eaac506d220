// Hook system tests
package hooks

import (
	"context"
	"testing"
	"time"
)

// TestEvent tests basic event creation and functionality
func TestEvent(t *testing.T) {
	event := NewEvent(EventDeviceAdded).
		WithReceiverID("r1").
		WithData("host", "10.0.0.5").
		WithData("port", 5000)

	if event.Type != EventDeviceAdded {
		t.Errorf("Expected event type %s, got %s", EventDeviceAdded, event.Type)
	}

	if event.ReceiverID != "r1" {
		t.Errorf("Expected receiver ID 'r1', got %s", event.ReceiverID)
	}

	if event.Data["host"] != "10.0.0.5" {
		t.Errorf("Expected host '10.0.0.5', got %v", event.Data["host"])
	}

	if event.Data["port"] != 5000 {
		t.Errorf("Expected port 5000, got %v", event.Data["port"])
	}

	str := event.String()
	if str != "device_added:r1" {
		t.Errorf("Expected string 'device_added:r1', got %s", str)
	}
}

// TestShellHook tests shell hook creation and basic functionality
func TestShellHook(t *testing.T) {
	hook := NewShellHook("test-hook", "/bin/echo", 10*time.Second)

	if hook.Type() != "shell" {
		t.Errorf("Expected hook type 'shell', got %s", hook.Type())
	}

	if hook.ID() != "test-hook" {
		t.Errorf("Expected hook ID 'test-hook', got %s", hook.ID())
	}

	customHook := NewShellHookWithCommand("custom", "/bin/true", []string{}, 5*time.Second)
	if customHook.command != "/bin/true" {
		t.Errorf("Expected command '/bin/true', got %s", customHook.command)
	}
}

// TestHookManager tests hook manager registration and basic functionality
func TestHookManager(t *testing.T) {
	config := DefaultHookConfig()
	manager := NewHookManager(config, nil)

	hook := NewShellHook("test", "/bin/true", 10*time.Second)
	err := manager.RegisterHook(EventStatusChanged, hook)
	if err != nil {
		t.Errorf("Failed to register hook: %v", err)
	}

	stats := manager.GetStats()
	if stats["total_hooks"] != 1 {
		t.Errorf("Expected 1 total hook, got %v", stats["total_hooks"])
	}

	success := manager.UnregisterHook(EventStatusChanged, "test")
	if !success {
		t.Error("Failed to unregister hook")
	}

	event := NewEvent(EventStatusChanged)
	manager.TriggerEvent(context.Background(), *event)

	manager.Close()
}

// TestStdioHook tests stdio hook creation and basic functionality
func TestStdioHook(t *testing.T) {
	hook := NewStdioHook("stdio-test", "json")

	if hook.Type() != "stdio" {
		t.Errorf("Expected hook type 'stdio', got %s", hook.Type())
	}

	if hook.ID() != "stdio-test" {
		t.Errorf("Expected hook ID 'stdio-test', got %s", hook.ID())
	}

	if hook.format != "json" {
		t.Errorf("Expected format 'json', got %s", hook.format)
	}
}

// TestWebhookHook tests webhook hook creation and basic functionality
func TestWebhookHook(t *testing.T) {
	hook := NewWebhookHook("webhook-test", "https://example.com/webhook", 30*time.Second)

	if hook.Type() != "webhook" {
		t.Errorf("Expected hook type 'webhook', got %s", hook.Type())
	}

	if hook.ID() != "webhook-test" {
		t.Errorf("Expected hook ID 'webhook-test', got %s", hook.ID())
	}

	if hook.url != "https://example.com/webhook" {
		t.Errorf("Expected URL 'https://example.com/webhook', got %s", hook.url)
	}

	hook.AddHeader("Authorization", "Bearer token")
	if hook.headers["Authorization"] != "Bearer token" {
		t.Errorf("Expected Authorization header 'Bearer token', got %s", hook.headers["Authorization"])
	}
}
