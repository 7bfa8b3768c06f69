package auction

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{name: "審核通過", from: StatusPending, to: StatusApproved},
		{name: "審核拒絕", from: StatusPending, to: StatusRejected},
		{name: "審核通過後就緒", from: StatusApproved, to: StatusReady},
		{name: "審核通過後直接開始", from: StatusApproved, to: StatusOngoing},
		{name: "就緒後開始", from: StatusReady, to: StatusOngoing},
		{name: "進行中截止", from: StatusOngoing, to: StatusEnded},
		{name: "截止後得標", from: StatusEnded, to: StatusCompleted},
		{name: "截止後流標", from: StatusEnded, to: StatusFailed},
		{name: "未審核不可開始", from: StatusPending, to: StatusOngoing, wantErr: true},
		{name: "進行中不可回到就緒", from: StatusOngoing, to: StatusReady, wantErr: true},
		{name: "截止後不可重新開始", from: StatusEnded, to: StatusOngoing, wantErr: true},
		{name: "終態不可轉移", from: StatusCompleted, to: StatusEnded, wantErr: true},
		{name: "拒絕後不可通過", from: StatusRejected, to: StatusApproved, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Transition(tt.from, tt.to)
			if tt.wantErr {
				var illegalErr *IllegalTransitionError
				assert.Error(t, err)
				assert.True(t, errors.As(err, &illegalErr))
				assert.Equal(t, tt.from, illegalErr.From)
				assert.Equal(t, tt.to, illegalErr.To)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDeletable(t *testing.T) {
	assert.True(t, StatusPending.Deletable())
	assert.True(t, StatusApproved.Deletable())
	assert.True(t, StatusReady.Deletable())
	assert.False(t, StatusOngoing.Deletable())
	assert.False(t, StatusEnded.Deletable())
	assert.False(t, StatusCompleted.Deletable())
}

func TestValidatePlacement(t *testing.T) {
	now := time.Now()
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)

	tests := []struct {
		name    string
		status  Status
		now     time.Time
		amount  int64
		current int64
		wantErr error
	}{
		{name: "合法出價", status: StatusOngoing, now: now, amount: 1500, current: 1000},
		{name: "非進行中", status: StatusReady, now: now, amount: 1500, current: 1000, wantErr: ErrNotOngoing},
		{name: "尚未開始", status: StatusOngoing, now: start.Add(-time.Minute), amount: 1500, current: 1000, wantErr: ErrNotYetStarted},
		{name: "已經結束", status: StatusOngoing, now: end.Add(time.Minute), amount: 1500, current: 1000, wantErr: ErrAlreadyEnded},
		{name: "出價等於目前價格", status: StatusOngoing, now: now, amount: 1000, current: 1000, wantErr: ErrPriceTooLow},
		{name: "出價低於目前價格", status: StatusOngoing, now: now, amount: 900, current: 1000, wantErr: ErrPriceTooLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlacement(tt.status, tt.now, start, end, tt.amount, tt.current)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}
