package roddriver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/automation/automationtest"
)

func TestConformance(t *testing.T) {
	automationtest.Conformance(t, &Launcher{}, automation.LaunchOptions{
		Headless: true,
		Args:     []string{"--window-size=1280,720", "--disable-dev-shm-usage", "--no-sandbox"},
	})
}

func TestSplitFlag(t *testing.T) {
	name, value := splitFlag("--window-size=1280,720")
	assert.Equal(t, "window-size", name)
	assert.Equal(t, "1280,720", value)

	name, value = splitFlag("--single-process")
	assert.Equal(t, "single-process", name)
	assert.Empty(t, value)
}

func TestWrap(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, wrap(ctx, nil))
	assert.ErrorIs(t, wrap(ctx, fmt.Errorf("eval: %w", context.DeadlineExceeded)), automation.ErrTimeout)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := wrap(cancelled, context.Canceled)
	assert.NotErrorIs(t, err, automation.ErrTimeout)

	boom := errors.New("boom")
	assert.Equal(t, boom, wrap(ctx, boom))
}
