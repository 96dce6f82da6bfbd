package pipeline

import (
	"context"

	"github.com/banshee-data/slamctl/internal/config"
	"github.com/banshee-data/slamctl/internal/slam/bow"
	"github.com/banshee-data/slamctl/internal/slam/codec"
	"github.com/banshee-data/slamctl/internal/slam/geometry"
	"github.com/banshee-data/slamctl/internal/slam/mapgraph"
	"github.com/banshee-data/slamctl/internal/slam/trajectory"
	"github.com/banshee-data/slamctl/internal/timeutil"
)

// Sensor is the camera configuration the pipeline was built for.
type Sensor int

const (
	Monocular Sensor = iota
	Stereo
	RGBD
)

func (s Sensor) String() string {
	switch s {
	case Monocular:
		return "monocular"
	case Stereo:
		return "stereo"
	case RGBD:
		return "rgbd"
	default:
		return "unknown"
	}
}

// TrackingState is reported by the tracker after every frame.
type TrackingState int

const (
	SystemNotReady TrackingState = iota - 1
	NoImagesYet
	NotInitialized
	OK
	Lost
)

func (s TrackingState) String() string {
	switch s {
	case SystemNotReady:
		return "not_ready"
	case NoImagesYet:
		return "no_images"
	case NotInitialized:
		return "not_initialized"
	case OK:
		return "ok"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Tracker estimates the camera pose for each frame. It runs on the caller's
// goroutine. The Grab methods return the world-to-camera pose and false
// when tracking failed for the frame.
type Tracker interface {
	GrabImageStereo(left, right codec.Matrix, timestamp float64) (geometry.Pose, bool)
	GrabImageRGBD(image, depth codec.Matrix, timestamp float64) (geometry.Pose, bool)
	GrabImageMonocular(image codec.Matrix, timestamp float64) (geometry.Pose, bool)

	InformOnlyTracking(only bool)
	Reset()

	State() TrackingState
	TrackedMapPoints() []*mapgraph.MapPoint
	TrackedKeyPoints() []codec.KeyPoint
	Trajectory() []trajectory.Record

	SetLocalMapper(LocalMapper)
	SetLoopCloser(LoopCloser)
	SetViewer(Viewer)
}

// LocalMapper refines the map around new keyframes on its own goroutine.
type LocalMapper interface {
	Run(ctx context.Context)
	RequestStop()
	IsStopped() bool
	Release()
	RequestFinish()
	IsFinished() bool

	SetTracker(Tracker)
	SetLoopCloser(LoopCloser)
}

// LoopCloser detects revisited places and corrects the map on its own
// goroutine. IsRunningGBA reports a global optimization in progress.
type LoopCloser interface {
	Run(ctx context.Context)
	RequestFinish()
	IsFinished() bool
	IsRunningGBA() bool

	SetTracker(Tracker)
	SetLocalMapper(LocalMapper)
}

// Viewer renders the map and current frame.
type Viewer interface {
	Run(ctx context.Context)
	RequestFinish()
	IsFinished() bool
}

// Context is handed to every collaborator factory.
type Context struct {
	Store      *mapgraph.Store
	Index      *bow.Database
	Vocabulary *bow.Vocabulary
	Sensor     Sensor
	Settings   *config.Settings
	Clock      timeutil.Clock
}

type (
	TrackerFactory     func(Context) (Tracker, error)
	LocalMapperFactory func(Context) (LocalMapper, error)
	LoopCloserFactory  func(Context) (LoopCloser, error)
	ViewerFactory      func(Context) (Viewer, error)
)
