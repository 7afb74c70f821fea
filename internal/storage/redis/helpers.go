package redis

import (
	"encoding/json"
	"fmt"

	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/timer"
)

const (
	timerKeyPrefix   = "worktimer:timer:"
	activeKeyPrefix  = "worktimer:active:"
	idemKeyPrefix    = "worktimer:idem:"
	activeTimersKey  = "worktimer:timers:active"
	changeChanPrefix = "worktimer:changes:"

	approvalKeyPrefix = "worktimer:approval:"
	approvalsIndexKey = "worktimer:approvals"
)

func timerKey(id string) string { return timerKeyPrefix + id }

func activeKey(userID string) string { return activeKeyPrefix + userID }

func idemKey(userID, key string) string { return idemKeyPrefix + userID + ":" + key }

func changeChannel(userID string) string { return changeChanPrefix + userID }

func approvalKey(id string) string { return approvalKeyPrefix + id }

// parseTimer decodes the JSON payload stored in a timer hash
func parseTimer(data string) (*timer.State, error) {
	if data == "" {
		return nil, storage.ErrNotFound
	}
	var state timer.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to parse timer: %w", err)
	}
	return &state, nil
}

// parseApproval decodes the JSON payload stored in an approval hash
func parseApproval(data string) (*storage.ApprovalRequest, error) {
	if data == "" {
		return nil, storage.ErrNotFound
	}
	var req storage.ApprovalRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("failed to parse approval request: %w", err)
	}
	return &req, nil
}

func encodeChange(change storage.TimerChange) (string, error) {
	data, err := json.Marshal(change)
	if err != nil {
		return "", fmt.Errorf("failed to encode change: %w", err)
	}
	return string(data), nil
}
