// Package pipeline is the composition root of the SLAM control plane. It
// builds the shared map, starts the background workers, routes frames to
// the tracker and owns shutdown, mode switches and map persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/banshee-data/slamctl/internal/catalog"
	"github.com/banshee-data/slamctl/internal/config"
	"github.com/banshee-data/slamctl/internal/fsutil"
	"github.com/banshee-data/slamctl/internal/monitoring"
	"github.com/banshee-data/slamctl/internal/slam/bow"
	"github.com/banshee-data/slamctl/internal/slam/codec"
	"github.com/banshee-data/slamctl/internal/slam/geometry"
	"github.com/banshee-data/slamctl/internal/slam/mapgraph"
	"github.com/banshee-data/slamctl/internal/slam/modes"
	"github.com/banshee-data/slamctl/internal/slam/persistence"
	"github.com/banshee-data/slamctl/internal/slam/trajectory"
	"github.com/banshee-data/slamctl/internal/statusrpc"
	"github.com/banshee-data/slamctl/internal/timeutil"
)

// ShutdownPollInterval is how often Shutdown checks the workers.
const ShutdownPollInterval = 5 * time.Millisecond

var (
	// ErrVocabulary is returned by Initialize when the vocabulary cannot be
	// loaded.
	ErrVocabulary = errors.New("failed to load vocabulary")

	// ErrSensorMismatch is returned by a Track call that does not match the
	// configured sensor.
	ErrSensorMismatch = errors.New("tracking call does not match sensor")

	// ErrMonocularTrajectory is returned when a full trajectory export is
	// requested for a monocular pipeline, whose scale is arbitrary.
	ErrMonocularTrajectory = errors.New("trajectory export is not supported for monocular input")

	// ErrShutdown is returned by calls made after Shutdown.
	ErrShutdown = errors.New("pipeline is shut down")
)

// Config selects what Initialize builds.
type Config struct {
	VocabularyPath string
	Sensor         Sensor
	// Settings defaults to config.Default() when nil.
	Settings  *config.Settings
	UseViewer bool
}

// Dependencies supplies the collaborators and the environment. Only the
// tracker, local mapper and loop closer factories are required.
type Dependencies struct {
	NewTracker     TrackerFactory
	NewLocalMapper LocalMapperFactory
	NewLoopCloser  LoopCloserFactory
	NewViewer      ViewerFactory

	FS    fsutil.FileSystem
	Clock timeutil.Clock

	// Recorder overrides the catalog configured in settings.
	Recorder persistence.Recorder
	// StatusListener overrides settings' status.listen.
	StatusListener net.Listener
	Logger         *log.Logger
}

// System is a running pipeline.
type System struct {
	sensor    Sensor
	settings  *config.Settings
	fs        fsutil.FileSystem
	clock     timeutil.Clock
	log       *log.Logger
	sessionID string

	vocabulary  *bow.Vocabulary
	index       *bow.Database
	store       *mapgraph.Store
	persistence *persistence.Coordinator
	modes       *modes.Controller

	tracker     Tracker
	localMapper LocalMapper
	loopCloser  LoopCloser
	viewer      Viewer

	catalog *catalog.Catalog
	status  *statusrpc.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu          sync.Mutex
	trackingState    TrackingState
	trackedPoints    []*mapgraph.MapPoint
	trackedKeyPoints []codec.KeyPoint

	changeMu      sync.Mutex
	lastBigChange uint64

	closing    atomic.Bool
	shutdownMu sync.Mutex
	isShutdown bool
}

// Initialize loads the vocabulary, builds the map and its collaborators and
// starts the background workers. With OnlyRelocalization set, the map file
// is loaded before any worker starts and localization mode is requested.
func Initialize(cfg Config, deps Dependencies) (*System, error) {
	if deps.NewTracker == nil || deps.NewLocalMapper == nil || deps.NewLoopCloser == nil {
		return nil, errors.New("tracker, local mapper and loop closer factories are required")
	}
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := monitoring.SetLevel(settings.LogLevel); err != nil {
		return nil, err
	}
	compression, err := persistence.ParseCompression(settings.MapCompression)
	if err != nil {
		return nil, err
	}
	if deps.FS == nil {
		deps.FS = fsutil.OSFileSystem{}
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = monitoring.Component("pipeline")
	}

	s := &System{
		sensor:    cfg.Sensor,
		settings:  settings,
		fs:        deps.FS,
		clock:     deps.Clock,
		log:       logger,
		sessionID: uuid.NewString(),
	}
	s.log.Info("starting pipeline", "sensor", cfg.Sensor, "session", s.sessionID)

	s.log.Info("loading vocabulary", "path", cfg.VocabularyPath)
	s.vocabulary, err = bow.LoadVocabulary(s.fs, cfg.VocabularyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrVocabulary, cfg.VocabularyPath, err)
	}
	s.log.Info("vocabulary loaded", "words", s.vocabulary.Size())

	s.index = bow.NewDatabase()
	s.store = mapgraph.NewStore()

	recorder := deps.Recorder
	if recorder == nil && settings.CatalogPath != "" {
		s.catalog, err = catalog.Open(settings.CatalogPath)
		if err != nil {
			return nil, err
		}
		recorder = s.catalog
	}
	s.persistence = persistence.New(s.store, s.index, persistence.Options{
		FS:          s.fs,
		Clock:       s.clock,
		Compression: compression,
		Recorder:    recorder,
		SessionID:   s.sessionID,
	})

	fctx := Context{
		Store:      s.store,
		Index:      s.index,
		Vocabulary: s.vocabulary,
		Sensor:     cfg.Sensor,
		Settings:   settings,
		Clock:      s.clock,
	}
	if err := s.build(fctx, cfg, deps); err != nil {
		s.closeCatalog()
		return nil, err
	}
	s.modes = modes.New(s.tracker, s.localMapper, s.clock)

	if settings.OnlyRelocalization {
		s.log.Info("loading map for relocalization", "path", settings.MapFile)
		ok, err := s.persistence.Load(settings.MapFile)
		if err != nil {
			s.closeCatalog()
			return nil, err
		}
		if ok {
			s.modes.ActivateLocalizationMode()
		} else {
			s.log.Warn("no map loaded, continuing in mapping mode", "path", settings.MapFile)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.spawn(ctx, s.localMapper.Run)
	s.spawn(ctx, s.loopCloser.Run)
	if s.viewer != nil {
		s.spawn(ctx, s.viewer.Run)
		s.tracker.SetViewer(s.viewer)
	}

	s.tracker.SetLocalMapper(s.localMapper)
	s.tracker.SetLoopCloser(s.loopCloser)
	s.localMapper.SetTracker(s.tracker)
	s.localMapper.SetLoopCloser(s.loopCloser)
	s.loopCloser.SetTracker(s.tracker)
	s.loopCloser.SetLocalMapper(s.localMapper)

	if settings.ActivateLocalizationMode {
		s.modes.ActivateLocalizationMode()
	}
	if settings.DeactivateLocalizationMode {
		s.modes.DeactivateLocalizationMode()
	}

	if err := s.startStatus(deps.StatusListener); err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	return s, nil
}

func (s *System) build(fctx Context, cfg Config, deps Dependencies) error {
	var err error
	if s.tracker, err = deps.NewTracker(fctx); err != nil {
		return fmt.Errorf("create tracker: %w", err)
	}
	if s.localMapper, err = deps.NewLocalMapper(fctx); err != nil {
		return fmt.Errorf("create local mapper: %w", err)
	}
	if s.loopCloser, err = deps.NewLoopCloser(fctx); err != nil {
		return fmt.Errorf("create loop closer: %w", err)
	}
	if cfg.UseViewer && deps.NewViewer != nil {
		if s.viewer, err = deps.NewViewer(fctx); err != nil {
			return fmt.Errorf("create viewer: %w", err)
		}
	}
	return nil
}

func (s *System) spawn(ctx context.Context, run func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run(ctx)
	}()
}

func (s *System) startStatus(lis net.Listener) error {
	if lis == nil && s.settings.StatusListen == "" {
		return nil
	}
	s.status = statusrpc.New()
	var err error
	if lis != nil {
		err = s.status.Serve(lis)
	} else {
		err = s.status.Start(s.settings.StatusListen)
	}
	if err != nil {
		s.status = nil
		return fmt.Errorf("start status endpoint: %w", err)
	}
	s.status.SetMode(s.modes.Mode())
	s.modes.SetObserver(s.status.Observe)
	return nil
}

func (s *System) closeCatalog() {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.Close(); err != nil {
		s.log.Warn("failed to close catalog", "err", err)
	}
	s.catalog = nil
}

// SessionID identifies this run in logs and the snapshot catalog.
func (s *System) SessionID() string { return s.sessionID }

// Sensor returns the configured sensor.
func (s *System) Sensor() Sensor { return s.sensor }

// Store returns the shared map.
func (s *System) Store() *mapgraph.Store { return s.store }

// Mode returns the applied operating mode.
func (s *System) Mode() modes.Mode { return s.modes.Mode() }

// StatusAddr returns the health endpoint address, or nil if disabled.
func (s *System) StatusAddr() net.Addr {
	if s.status == nil {
		return nil
	}
	return s.status.Addr()
}

// TrackStereo processes a rectified stereo pair.
func (s *System) TrackStereo(ctx context.Context, left, right codec.Matrix, timestamp float64) (geometry.Pose, bool, error) {
	return s.track(ctx, Stereo, func() (geometry.Pose, bool) {
		return s.tracker.GrabImageStereo(left, right, timestamp)
	})
}

// TrackRGBD processes a colour image with its registered depth map.
func (s *System) TrackRGBD(ctx context.Context, image, depth codec.Matrix, timestamp float64) (geometry.Pose, bool, error) {
	return s.track(ctx, RGBD, func() (geometry.Pose, bool) {
		return s.tracker.GrabImageRGBD(image, depth, timestamp)
	})
}

// TrackMonocular processes a single image.
func (s *System) TrackMonocular(ctx context.Context, image codec.Matrix, timestamp float64) (geometry.Pose, bool, error) {
	return s.track(ctx, Monocular, func() (geometry.Pose, bool) {
		return s.tracker.GrabImageMonocular(image, timestamp)
	})
}

// track applies pending mode and reset requests, runs grab and records the
// tracker's state for the accessors.
func (s *System) track(ctx context.Context, want Sensor, grab func() (geometry.Pose, bool)) (geometry.Pose, bool, error) {
	if s.closing.Load() {
		return geometry.Pose{}, false, ErrShutdown
	}
	if s.sensor != want {
		return geometry.Pose{}, false, fmt.Errorf("%w: called %s on a %s pipeline", ErrSensorMismatch, want, s.sensor)
	}
	if err := s.modes.Apply(ctx); err != nil {
		return geometry.Pose{}, false, err
	}

	tcw, ok := grab()

	s.stateMu.Lock()
	s.trackingState = s.tracker.State()
	s.trackedPoints = s.tracker.TrackedMapPoints()
	s.trackedKeyPoints = s.tracker.TrackedKeyPoints()
	s.stateMu.Unlock()
	return tcw, ok, nil
}

// ActivateLocalizationMode requests localization-only operation from the
// next tracking call on.
func (s *System) ActivateLocalizationMode() { s.modes.ActivateLocalizationMode() }

// DeactivateLocalizationMode requests full mapping from the next tracking
// call on.
func (s *System) DeactivateLocalizationMode() { s.modes.DeactivateLocalizationMode() }

// Reset requests a tracker reset on the next tracking call.
func (s *System) Reset() { s.modes.RequestReset() }

// MapChanged reports whether a big change (loop closure, global
// optimization, load) happened since the last call on this System.
func (s *System) MapChanged() bool {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	n := s.store.LastBigChangeIdx()
	if s.lastBigChange < n {
		s.lastBigChange = n
		return true
	}
	return false
}

// TrackingState returns the state after the last tracking call.
func (s *System) TrackingState() TrackingState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.trackingState
}

// TrackedLandmarks returns the map points matched in the last frame.
func (s *System) TrackedLandmarks() []*mapgraph.MapPoint {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return append([]*mapgraph.MapPoint(nil), s.trackedPoints...)
}

// TrackedKeypoints returns the undistorted keypoints of the last frame.
func (s *System) TrackedKeypoints() []codec.KeyPoint {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return append([]codec.KeyPoint(nil), s.trackedKeyPoints...)
}

// SaveMap writes the map snapshot to path. An empty path uses map.mapfile.
func (s *System) SaveMap(path string) error {
	if path == "" {
		path = s.settings.MapFile
	}
	return s.persistence.Save(path)
}

// LoadMap restores a snapshot from path. It returns false without an error
// when there is nothing to load. An empty path uses map.mapfile.
func (s *System) LoadMap(path string) (bool, error) {
	if path == "" {
		path = s.settings.MapFile
	}
	return s.persistence.Load(path)
}

// LoadProgress reports keyframes installed by the current or last load.
func (s *System) LoadProgress() (installed, total int64) {
	return s.persistence.LoadProgress()
}

// SaveTrajectoryTUM writes every tracked frame in TUM format.
func (s *System) SaveTrajectoryTUM(path string) error {
	if s.sensor == Monocular {
		return ErrMonocularTrajectory
	}
	samples, err := trajectory.Samples(s.store, s.tracker.Trajectory())
	if err != nil {
		return err
	}
	return s.writeFile(path, "trajectory", func(w io.Writer) error {
		return trajectory.WriteTUM(w, samples)
	})
}

// SaveTrajectoryKITTI writes every tracked frame in KITTI format.
func (s *System) SaveTrajectoryKITTI(path string) error {
	if s.sensor == Monocular {
		return ErrMonocularTrajectory
	}
	samples, err := trajectory.Samples(s.store, s.tracker.Trajectory())
	if err != nil {
		return err
	}
	return s.writeFile(path, "trajectory", func(w io.Writer) error {
		return trajectory.WriteKITTI(w, samples)
	})
}

// SaveKeyFrameTrajectoryTUM writes the poses of the good keyframes in TUM
// format. It works for every sensor.
func (s *System) SaveKeyFrameTrajectoryTUM(path string) error {
	samples := trajectory.KeyFrameSamples(s.store)
	return s.writeFile(path, "keyframe trajectory", func(w io.Writer) error {
		return trajectory.WriteTUM(w, samples)
	})
}

func (s *System) writeFile(path, what string, write func(io.Writer) error) error {
	s.log.Info("saving "+what, "path", path)
	f, err := s.fs.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Shutdown stops every worker and waits for them.
func (s *System) Shutdown() error {
	return s.ShutdownContext(context.Background())
}

// ShutdownContext asks the local mapper and loop closer to finish and waits
// until both have finished and no global optimization is running, then
// does the same for the viewer. Calling it again after it succeeded is a
// no-op. If ctx ends first, ctx.Err() is returned and a later call resumes
// the wait.
func (s *System) ShutdownContext(ctx context.Context) error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.isShutdown {
		return nil
	}

	s.closing.Store(true)
	start := s.clock.Now()
	s.log.Info("shutting down")
	s.localMapper.RequestFinish()
	s.loopCloser.RequestFinish()

	err := timeutil.PollUntil(ctx, s.clock, ShutdownPollInterval, func() bool {
		return s.localMapper.IsFinished() && s.loopCloser.IsFinished() && !s.loopCloser.IsRunningGBA()
	})
	if err != nil {
		return err
	}
	if s.viewer != nil {
		s.viewer.RequestFinish()
		if err := timeutil.PollUntil(ctx, s.clock, ShutdownPollInterval, s.viewer.IsFinished); err != nil {
			return err
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.status != nil {
		s.status.Stop()
	}
	s.closeCatalog()

	s.isShutdown = true
	monitoring.ObserveSince(monitoring.ShutdownWaitSeconds, s.clock, start)
	s.log.Info("shutdown complete", "session", s.sessionID)
	return nil
}
