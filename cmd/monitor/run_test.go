package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AI_PROCTOR/go-monitor/internal/controller"
	"AI_PROCTOR/go-monitor/internal/integrity"
	"AI_PROCTOR/go-monitor/internal/models"
	"AI_PROCTOR/go-monitor/internal/sampler"
	"AI_PROCTOR/go-monitor/internal/stream"
)

type idleFrames struct{}

func (idleFrames) Start(context.Context) (<-chan sampler.Frame, error) {
	return make(chan sampler.Frame), nil
}

func (idleFrames) Stop() {}

type scriptedTransport struct {
	onResult func(*models.InboundResult)
}

func (t *scriptedTransport) Open(context.Context) {}
func (t *scriptedTransport) Stop() {}
func (t *scriptedTransport) Send(sampler.Frame) error { return nil }
func (t *scriptedTransport) OnResult(fn func(*models.InboundResult)) { t.onResult = fn }
func (t *scriptedTransport) OnState(func(stream.State, error)) {}
func (t *scriptedTransport) SetActive(func() bool) {}

func newRunController(t *testing.T) (*controller.Controller, *scriptedTransport, chan controller.Report) {
	t.Helper()
	tr := &scriptedTransport{}
	ctrl := controller.New(idleFrames{}, tr, controller.Options{})
	terminated := make(chan controller.Report, 1)
	ctrl.OnTerminated(func(r controller.Report) { terminated <- r })
	t.Cleanup(ctrl.Stop)
	require.NoError(t, ctrl.Start(context.Background()))
	return ctrl, tr, terminated
}

func TestSubmitAtDeadlineWhileMonitoring(t *testing.T) {
	ctrl, _, terminated := newRunController(t)

	rep, err := submitAtDeadline(ctrl, terminated)
	require.NoError(t, err)
	assert.Nil(t, rep)
	assert.Equal(t, integrity.StatusStopped, ctrl.Snapshot().Status)
}

func TestSubmitAtDeadlineAfterTermination(t *testing.T) {
	ctrl, tr, terminated := newRunController(t)

	for i := 0; i < 3; i++ {
		tr.onResult(&models.InboundResult{Alerts: []models.ViolationKind{models.KindDevicePhone}})
	}
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Status == integrity.StatusTerminated
	}, 2*time.Second, time.Millisecond)

	rep, err := submitAtDeadline(ctrl, terminated)
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, models.OutcomeTerminated, rep.Outcome)
	assert.Equal(t, 0, rep.ChancesRemaining)
	assert.Equal(t, 3, rep.TotalViolations)
}
