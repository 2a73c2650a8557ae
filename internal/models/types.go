package models

import "strings"

// FrameMessage is sent to the inference service once per sampled frame.
type FrameMessage struct {
	Frame     string `json:"frame"`
	Timestamp int64  `json:"timestamp"`
}

// ResultMessage is the raw inbound message from the inference service.
// Every field is optional on the wire.
type ResultMessage struct {
	Error           string         `json:"error,omitempty"`
	BehaviorStatus  string         `json:"behavior_status,omitempty"`
	DevicesDetected []string       `json:"devices_detected,omitempty"`
	Alert           string         `json:"alert,omitempty"`
	Conf            float64        `json:"conf,omitempty"`
	Timestamp       float64        `json:"timestamp,omitempty"`
	Viz             string         `json:"viz,omitempty"`
	Details         *ResultDetails `json:"details,omitempty"`
}

type ResultDetails struct {
	NumFaces         int     `json:"num_faces"`
	GazeHorizontal   float64 `json:"gaze_horizontal"`
	GazeVertical     float64 `json:"gaze_vertical"`
	EAR              float64 `json:"ear"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	FPS              float64 `json:"fps"`
}

// ViolationKind names one class of integrity violation reported by the
// inference service.
type ViolationKind string

const (
	AlertNone = "none"

	// AlertSeparator joins the kinds of a composite alert.
	AlertSeparator = " AND "
)

const (
	KindMultipleFaces         ViolationKind = "multiple_faces"
	KindNoFaceDetected        ViolationKind = "no_face_detected"
	KindGazeOffScreen         ViolationKind = "gaze_off_screen"
	KindHeadPoseSuspicious    ViolationKind = "head_pose_suspicious"
	KindExcessiveHeadMovement ViolationKind = "excessive_head_movement"
	KindHandNearFace          ViolationKind = "hand_near_face"
	KindLookingDown           ViolationKind = "looking_down"
	KindDevicePhone           ViolationKind = "device_detected_phone"
	KindDeviceLaptop          ViolationKind = "device_detected_laptop"
	KindDeviceSecondaryScreen ViolationKind = "device_detected_secondary_screen"
)

const devicePrefix = "device_detected_"

// IsDevice reports whether k is one of the device_detected_* kinds.
func (k ViolationKind) IsDevice() bool {
	return strings.HasPrefix(string(k), devicePrefix)
}

// Known reports whether k is part of the recognized vocabulary. Unknown
// kinds are still scored; this only feeds logging.
func (k ViolationKind) Known() bool {
	switch k {
	case KindMultipleFaces, KindNoFaceDetected, KindGazeOffScreen,
		KindHeadPoseSuspicious, KindExcessiveHeadMovement, KindHandNearFace,
		KindLookingDown, KindDevicePhone, KindDeviceLaptop, KindDeviceSecondaryScreen:
		return true
	}
	return k.IsDevice()
}

// ParseAlert splits a raw alert string into its violation kinds. An empty
// alert or "none" yields nil. Duplicate kinds collapse to one.
func ParseAlert(alert string) []ViolationKind {
	alert = strings.TrimSpace(alert)
	if alert == "" || alert == AlertNone {
		return nil
	}

	var kinds []ViolationKind
	seen := make(map[ViolationKind]bool)
	for _, part := range strings.Split(alert, AlertSeparator) {
		part = strings.TrimSpace(part)
		if part == "" || part == AlertNone {
			continue
		}
		k := ViolationKind(part)
		if seen[k] {
			continue
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds
}

// JoinKinds renders kinds back into the composite wire form.
func JoinKinds(kinds []ViolationKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, AlertSeparator)
}
