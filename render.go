package main

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"

	"github.com/df07/go-cluster-raytracer/pkg/balancer"
	"github.com/df07/go-cluster-raytracer/pkg/config"
	"github.com/df07/go-cluster-raytracer/pkg/dfb"
	"github.com/df07/go-cluster-raytracer/pkg/messaging"
	"github.com/df07/go-cluster-raytracer/pkg/renderer"
	"github.com/df07/go-cluster-raytracer/pkg/scene"
	"github.com/df07/go-cluster-raytracer/pkg/stats"
	"github.com/df07/go-cluster-raytracer/pkg/tasking"
	"github.com/df07/go-cluster-raytracer/pkg/transport"
	"github.com/df07/go-cluster-raytracer/pkg/world"
	"github.com/df07/go-cluster-raytracer/web/server"
)

type renderOptions struct {
	configPath string
	transport  string
	ranks      int
	rank       int
	session    string
	redisAddr  string
	balancer   string
	scene      string
	regions    int
	frames     int
	width      int
	height     int
	threshold  float32
	output     string
	depth      string
	statsFile  string
	serve      string
}

func newRenderCmd(level func() log.Level) *cobra.Command {
	var opts renderOptions

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render frames on an in-process cluster or as one rank of a Redis cluster",
		Example: `  cluster-raytracer render --ranks 4 --balancer dynamic -o out.png
  cluster-raytracer render --transport redis --ranks 2 --rank 0 --session $ID`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			console := server.NewConsole(0)
			var out io.Writer = os.Stderr
			if cfg.Server.Addr != "" {
				out = io.MultiWriter(os.Stderr, console)
			}
			logger := newLogger(out, level())
			return runRender(cmd.Context(), logger, cfg, console)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	f.StringVar(&opts.transport, "transport", "", "local or redis")
	f.IntVarP(&opts.ranks, "ranks", "n", 0, "number of ranks")
	f.IntVar(&opts.rank, "rank", 0, "this process's rank (redis transport)")
	f.StringVar(&opts.session, "session", "", "session UUID shared by all ranks (redis transport)")
	f.StringVar(&opts.redisAddr, "redis", "", "redis address")
	f.StringVarP(&opts.balancer, "balancer", "b", "", "static, dynamic or distributed")
	f.StringVarP(&opts.scene, "scene", "s", "", "scene name")
	f.IntVar(&opts.regions, "regions", 0, "regions to split the scene into for the distributed balancer (default one per rank)")
	f.IntVarP(&opts.frames, "frames", "f", 0, "maximum number of frames")
	f.IntVar(&opts.width, "width", 0, "image width")
	f.IntVar(&opts.height, "height", 0, "image height")
	f.Float32Var(&opts.threshold, "threshold", 0, "stop once the frame error drops to this")
	f.StringVarP(&opts.output, "output", "o", "", "PNG output path")
	f.StringVar(&opts.depth, "depth", "", "16-bit TIFF depth output path")
	f.StringVar(&opts.statsFile, "stats", "", "append frame reports to this JSON-lines file")
	f.StringVar(&opts.serve, "serve", "", "serve status on this address, e.g. :8080")
	return cmd
}

func newScenesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenes",
		Short: "List the built-in scenes",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range scene.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

// loadConfig reads the config file, if any, then applies the flags the
// user set.
func loadConfig(cmd *cobra.Command, opts renderOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, err
		}
	}
	applyFlags(cmd, opts, &cfg)
	return cfg, cfg.Validate()
}

func applyFlags(cmd *cobra.Command, opts renderOptions, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("transport") {
		cfg.Cluster.Transport = opts.transport
	}
	if set("ranks") {
		cfg.Cluster.Ranks = opts.ranks
	}
	if set("rank") {
		cfg.Redis.Rank = opts.rank
	}
	if set("session") {
		cfg.Redis.Session = opts.session
	}
	if set("redis") {
		cfg.Redis.Addr = opts.redisAddr
	}
	if set("balancer") {
		cfg.Balancer.Kind = opts.balancer
	}
	if set("scene") {
		cfg.Render.Scene = opts.scene
	}
	if set("frames") {
		cfg.Frame.Frames = opts.frames
	}
	if set("width") {
		cfg.Frame.Width = opts.width
	}
	if set("regions") {
		cfg.Render.Regions = opts.regions
	}
	if set("height") {
		cfg.Frame.Height = opts.height
	}
	if set("threshold") {
		cfg.Render.ErrorThreshold = opts.threshold
	}
	if set("output") {
		cfg.Output.Image = opts.output
	}
	if set("depth") {
		cfg.Output.Depth = opts.depth
	}
	if set("stats") {
		cfg.Stats.File = opts.statsFile
	}
	if set("serve") {
		cfg.Server.Addr = opts.serve
	}
}

// runRender starts every local rank, or this process's rank of a Redis
// cluster, and waits for all of them.
func runRender(ctx context.Context, logger *log.Logger, cfg config.Config, console *server.Console) error {
	session, err := cfg.SessionID()
	if err != nil {
		return err
	}
	sink, err := openSinks(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer sink.Close(context.Background())

	var srv *server.Server
	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if cfg.Server.Addr != "" && (cfg.Cluster.Transport == "local" || cfg.Redis.Rank == 0) {
		srv = server.NewServer(cfg.Server.Addr, logger, console)
		sink = append(sink, srv)
		go func() {
			if err := srv.Start(serveCtx); err != nil {
				logger.Error("status server stopped", "err", err)
			}
		}()
	}

	logger.Info("starting render",
		"session", session,
		"transport", cfg.Cluster.Transport,
		"ranks", cfg.Cluster.Ranks,
		"balancer", cfg.Balancer.Kind,
		"scene", cfg.Render.Scene,
		"size", fmt.Sprintf("%dx%d", cfg.Frame.Width, cfg.Frame.Height))

	switch cfg.Cluster.Transport {
	case "redis":
		tr, err := transport.NewRedis(ctx, transport.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Session:  session,
			Rank:     cfg.Redis.Rank,
			NumRanks: cfg.Cluster.Ranks,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return runRank(gctx, logger, cfg, tr, session, sink, srv)
		})
	default:
		fabric := transport.NewFabric(cfg.Cluster.Ranks)
		for r := 0; r < fabric.Size(); r++ {
			ep := fabric.Endpoint(r)
			g.Go(func() error {
				return runRank(gctx, logger, cfg, ep, session, sink, srv)
			})
		}
	}
	return g.Wait()
}

// openSinks builds the frame report sinks the config asks for.
func openSinks(ctx context.Context, logger *log.Logger, cfg config.Config) (stats.Multi, error) {
	var sinks stats.Multi
	if cfg.Stats.Log {
		sinks = append(sinks, stats.LogSink{Logger: logger})
	}
	if cfg.Stats.File != "" {
		fs, err := stats.NewFileSink(cfg.Stats.File)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.Stats.MongoURI != "" {
		ms, err := stats.NewMongoSink(ctx, stats.MongoConfig{
			URI:        cfg.Stats.MongoURI,
			Database:   cfg.Stats.Database,
			Collection: cfg.Stats.Collection,
		})
		if err != nil {
			sinks.Close(ctx)
			return nil, err
		}
		sinks = append(sinks, ms)
	}
	return sinks, nil
}

// rank is one participant of the session with everything it renders with.
type rank struct {
	sctx *messaging.Context
	log  *log.Logger
	cfg  config.Config
	pool *tasking.Pool
	fb   *dfb.FrameBuffer
	lb   balancer.LoadBalancer
	w    *world.World
	rt   *renderer.Raytracer
	sc   *scene.Scene
}

// runRank renders up to cfg.Frame.Frames frames on one rank. Every rank
// constructs its objects in the same order so their ids agree.
func runRank(ctx context.Context, logger *log.Logger, cfg config.Config, tr messaging.Transport, session uuid.UUID, sink stats.Sink, srv *server.Server) error {
	r, err := newRank(logger, cfg, tr, session)
	if err != nil {
		return err
	}
	defer r.close()

	if err := r.sctx.Start(); err != nil {
		return err
	}
	if cfg.Balancer.Kind == "distributed" {
		if err := r.w.Commit(ctx, r.sc.LocalRegions(r.sctx.Rank(), r.sctx.NumRanks())); err != nil {
			return err
		}
		r.log.Debug("regions committed", "mine", r.w.MyRegionIDs, "total", len(r.w.AllRegions))
	}

	for frame := 0; frame < cfg.Frame.Frames; frame++ {
		variance, err := r.lb.RenderFrame(ctx, r.fb, r.rt, r.w)
		if err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}

		report := r.fb.Report()
		report.Balancer = r.lb.Name()
		last := r.lb.LastFrame()
		report.TilesRendered = last.TilesRendered
		report.RenderTime = last.RenderTime
		rs := r.rt.Stats()
		r.log.Debug("rendered", "frame", frame, "pixels", rs.TotalPixels, "samples", rs.TotalSamples, "tiles", last.TilesRendered)
		if err := sink.Record(ctx, report); err != nil {
			r.log.Warn("frame report dropped", "err", err)
		}

		if r.sctx.IsMaster() {
			r.log.Info("frame done", "frame", frame, "variance", variance, "time", report.FrameTime.Round(time.Millisecond))
			if srv != nil {
				srv.Publish(snapshot(r.fb, frame))
			}
		}
		if done, err := r.converged(ctx, variance); err != nil || done {
			if done {
				r.log.Debug("converged", "frame", frame)
			}
			if err != nil {
				return err
			}
			break
		}
	}

	if r.sctx.IsMaster() {
		return writeOutputs(r.log, r.fb, r.cfg.Output)
	}
	return nil
}

func newRank(logger *log.Logger, cfg config.Config, tr messaging.Transport, session uuid.UUID) (*rank, error) {
	sctx, err := messaging.NewContext(tr, messaging.WithLogger(logger), messaging.WithSession(session))
	if err != nil {
		return nil, err
	}
	r := &rank{sctx: sctx, log: sctx.Logger(), cfg: cfg}

	size := image.Pt(cfg.Frame.Width, cfg.Frame.Height)
	if r.sc, err = scene.New(cfg.Render.Scene, float64(size.X)/float64(size.Y)); err != nil {
		r.close()
		return nil, err
	}
	if cfg.Balancer.Kind == "distributed" {
		regions := cfg.Render.Regions
		if regions <= 0 {
			regions = sctx.NumRanks()
		}
		r.sc.Partition(regions)
	}
	sampling := renderer.SamplingConfig{
		SamplesPerPixel: cfg.Render.SamplesPerPixel,
		ErrorThreshold:  cfg.Render.ErrorThreshold,
	}
	if sampling.SamplesPerPixel == 0 {
		sampling.SamplesPerPixel = r.sc.SamplingConfig.SamplesPerPixel
	}
	r.rt = renderer.NewRaytracer(r.sc, sampling)

	format, _ := cfg.ColorFormat()
	channels, _ := cfg.FrameChannels()
	r.pool = tasking.NewPool(cfg.Balancer.Parallelism)
	r.fb, err = dfb.New(sctx, size, format, channels,
		dfb.WithPool(r.pool),
		dfb.WithFrameTimeout(cfg.Frame.Timeout.Duration),
		dfb.WithProgressInterval(cfg.Frame.ProgressInterval.Duration),
		dfb.WithProgress(func(p float32) bool {
			r.log.Debug("progress", "done", fmt.Sprintf("%.0f%%", p*100))
			return true
		}),
	)
	if err != nil {
		r.close()
		return nil, err
	}

	r.w = world.New(sctx)
	switch cfg.Balancer.Kind {
	case "static":
		r.lb = &balancer.Static{Parallelism: cfg.Balancer.Parallelism}
	case "dynamic":
		r.lb = balancer.NewDynamic(sctx, cfg.Balancer.PreAllocated)
	case "distributed":
		lb := balancer.NewDistributed(&balancer.Static{Parallelism: cfg.Balancer.Parallelism})
		lb.Parallelism = cfg.Balancer.Parallelism
		r.lb = lb
	}
	r.log.Debug("rank ready", "tiles", r.fb.NumMyTiles())
	return r, nil
}

// converged asks rank 0 whether the frame error reached the threshold, so
// every rank stops after the same frame.
func (r *rank) converged(ctx context.Context, variance float32) (bool, error) {
	threshold := r.cfg.Render.ErrorThreshold
	var flag []byte
	if r.sctx.IsMaster() {
		flag = []byte{0}
		if threshold > 0 && variance <= threshold {
			flag[0] = 1
		}
	}
	got, err := r.sctx.Bcast(ctx, 0, flag)
	if err != nil {
		return false, err
	}
	return len(got) == 1 && got[0] == 1, nil
}

func (r *rank) close() {
	if d, ok := r.lb.(*balancer.Dynamic); ok {
		d.Release()
	}
	if r.fb != nil {
		r.fb.Release()
	}
	if r.pool != nil {
		r.pool.Stop()
	}
	r.sctx.Close()
}

// snapshot copies what the status server shows from the frame buffer.
func snapshot(fb *dfb.FrameBuffer, frame int) *server.Snapshot {
	snap := &server.Snapshot{
		Frame:      frame,
		NumTiles:   fb.NumTiles(),
		TileErrors: make([]float32, fb.TotalTiles()),
		AccumIDs:   make([]int32, fb.TotalTiles()),
		Variance:   fb.Variance(),
		Regions:    fb.TileErrors().Regions(),
		Completed:  time.Now(),
	}
	for id := range snap.TileErrors {
		snap.TileErrors[id] = fb.TileError(id)
		snap.AccumIDs[id] = fb.AccumID(id)
	}
	if local := fb.Local(); local != nil {
		snap.Image = local.Image()
		snap.Depth = local.DepthImage()
	}
	return snap
}

// writeOutputs saves the final color image and, when asked, the depth.
func writeOutputs(logger *log.Logger, fb *dfb.FrameBuffer, out config.Output) error {
	local := fb.Local()
	if local == nil {
		return nil
	}
	if out.Image != "" {
		if err := writeImage(out.Image, func(w io.Writer) error { return png.Encode(w, local.Image()) }); err != nil {
			return err
		}
		logger.Info("wrote image", "path", out.Image)
	}
	if out.Depth != "" {
		depth := local.DepthImage()
		if depth == nil {
			logger.Warn("no depth channel; skipping depth output")
			return nil
		}
		opts := &tiff.Options{Compression: tiff.Deflate}
		if err := writeImage(out.Depth, func(w io.Writer) error { return tiff.Encode(w, depth, opts) }); err != nil {
			return err
		}
		logger.Info("wrote depth", "path", out.Depth)
	}
	return nil
}

func writeImage(path string, encode func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := encode(f); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
