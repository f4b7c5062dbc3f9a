package respond

import (
	"fmt"

	"github.com/camforge/gkcam-bridge/internal/config"
)

// topicRoot is the fixed prefix of the vendor's cloud topic tree.
const topicRoot = "anycubic/anycubicCloud/v1"

// WebVideoTopic is where the vendor's web frontend sends video
// commands.
func WebVideoTopic(id *config.Identity) string {
	return fmt.Sprintf("%s/web/printer/%s/%s/video", topicRoot, id.ModelID, id.DeviceID)
}

// SlicerVideoTopic is where the slicer sends video commands.
func SlicerVideoTopic(id *config.Identity) string {
	return fmt.Sprintf("%s/slicer/printer/%s/%s/video", topicRoot, id.ModelID, id.DeviceID)
}

// VideoReportTopic is where the camera daemon publishes its status
// reports, and where the firmware's spurious stop reports appear.
func VideoReportTopic(id *config.Identity) string {
	return fmt.Sprintf("%s/printer/public/%s/%s/video/report", topicRoot, id.ModelID, id.DeviceID)
}

// LightTopic is where light-control commands go.
func LightTopic(id *config.Identity) string {
	return fmt.Sprintf("%s/web/printer/%s/%s/light", topicRoot, id.ModelID, id.DeviceID)
}
