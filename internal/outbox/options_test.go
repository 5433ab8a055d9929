package outbox

import (
	"errors"
	"testing"
	"time"
)

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()

	if o.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %v", o.PollInterval)
	}
	if o.Limit != 50 {
		t.Errorf("limit = %d", o.Limit)
	}
	if o.Mode != ModeShortPolling {
		t.Errorf("mode = %q", o.Mode)
	}
	if o.RetryDelay != 5*time.Second {
		t.Errorf("retry delay = %v", o.RetryDelay)
	}
	if o.RetryMaxAttempts != 5 {
		t.Errorf("retry max attempts = %d", o.RetryMaxAttempts)
	}
	if o.RetryPredicate == nil || o.RetryPredicate(errors.New("any")) {
		t.Error("default predicate must never retry")
	}
	if o.OnError == nil {
		t.Error("default OnError must be set")
	}
	if o.RespondInterval != 100*time.Millisecond {
		t.Errorf("respond interval = %v", o.RespondInterval)
	}
	if o.InitSyncBatchSize != 100 {
		t.Errorf("init sync batch = %d", o.InitSyncBatchSize)
	}
	if o.NotifyChannel != "outbox" {
		t.Errorf("notify channel = %q", o.NotifyChannel)
	}
}

func TestOptionsOverridesKept(t *testing.T) {
	o := Options{
		PollInterval:     time.Minute,
		Limit:            7,
		Mode:             ModeLogical,
		RetryMaxAttempts: 1,
		Concurrent:       true,
	}.withDefaults()

	if o.PollInterval != time.Minute || o.Limit != 7 || o.Mode != ModeLogical {
		t.Error("explicit values must survive defaulting")
	}
	if o.RetryMaxAttempts != 1 {
		t.Errorf("retry max attempts = %d", o.RetryMaxAttempts)
	}
	if !o.Concurrent {
		t.Error("concurrent flag lost")
	}
}
