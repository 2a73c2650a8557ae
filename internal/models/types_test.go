package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAlert(t *testing.T) {
	tests := []struct {
		name  string
		alert string
		want  []ViolationKind
	}{
		{"empty", "", nil},
		{"none", "none", nil},
		{"padded none", "  none ", nil},
		{"single", "multiple_faces", []ViolationKind{KindMultipleFaces}},
		{"composite", "gaze_off_screen AND device_detected_phone",
			[]ViolationKind{KindGazeOffScreen, KindDevicePhone}},
		{"duplicates collapse", "looking_down AND looking_down", []ViolationKind{KindLookingDown}},
		{"none inside composite", "none AND hand_near_face", []ViolationKind{KindHandNearFace}},
		{"unknown kept", "device_detected_tablet", []ViolationKind{"device_detected_tablet"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAlert(tt.alert))
		})
	}
}

func TestJoinKinds(t *testing.T) {
	assert.Equal(t, "", JoinKinds(nil))
	assert.Equal(t, "multiple_faces AND device_detected_laptop",
		JoinKinds([]ViolationKind{KindMultipleFaces, KindDeviceLaptop}))
}

func TestViolationKindClassification(t *testing.T) {
	assert.True(t, KindDeviceSecondaryScreen.IsDevice())
	assert.False(t, KindGazeOffScreen.IsDevice())

	assert.True(t, KindHeadPoseSuspicious.Known())
	assert.True(t, ViolationKind("device_detected_tablet").Known())
	assert.False(t, ViolationKind("daydreaming").Known())
}

func TestInboundResultClean(t *testing.T) {
	assert.True(t, (&InboundResult{}).Clean())
	assert.False(t, (&InboundResult{Alerts: []ViolationKind{KindNoFaceDetected}}).Clean())
}
