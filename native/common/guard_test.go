package common

import (
	"errors"
	"testing"
)

type pauseMap map[string]bool

func (p pauseMap) IsPaused(asset, action string) bool {
	return p[asset+":"+action]
}

func TestGuardBlocksPausedAction(t *testing.T) {
	view := pauseMap{"USDC:" + ActionBorrow: true}
	if err := Guard(view, "USDC", ActionBorrow); !errors.Is(err, ErrActionPaused) {
		t.Fatalf("expected ErrActionPaused, got %v", err)
	}
	if err := Guard(view, "USDC", ActionDeposit); err != nil {
		t.Fatalf("unpaused action blocked: %v", err)
	}
	if err := Guard(view, "WETH", ActionBorrow); err != nil {
		t.Fatalf("other market blocked: %v", err)
	}
}

func TestGuardNilAndEmptyNeverBlock(t *testing.T) {
	if err := Guard(nil, "USDC", ActionBorrow); err != nil {
		t.Fatalf("nil view blocked: %v", err)
	}
	view := pauseMap{"USDC:": true}
	if err := Guard(view, "USDC", ""); err != nil {
		t.Fatalf("empty action blocked: %v", err)
	}
}
