package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
	"github.com/shiena/ansicolor"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"contour/actor"
	"contour/archive"
	"contour/dem"
	"contour/manager"
	"contour/source"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "contour",
	Short: "Contour vector tiles from DEM raster tiles",
	Long: `contour turns terrain-RGB or terrarium elevation tiles into contour line
vector tiles. Tiles can be served over HTTP, generated one at a time or
exported as a pyramid to a directory, an MBTiles file or a PMTiles archive.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == workerCmd {
			// stdout carries worker messages
			log.SetOutput(ansicolor.NewAnsiColorWriter(os.Stderr))
		}
		initConf(cfgFile)
		level, err := log.ParseLevel(viper.GetString("log.level"))
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "conf.toml", "set config `file`")
	rootCmd.PersistentFlags().String("dem", "", "dem tile source: pmtiles://, mbtiles:// or a {z}/{x}/{y} url")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	viper.BindPFlag("dem.url", rootCmd.PersistentFlags().Lookup("dem"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConf 初始化配置
func initConf(cfgFile string) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Warnf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match
	err := viper.ReadInConfig()
	if err != nil {
		log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	viper.SetDefault("dem.encoding", "terrarium")
	viper.SetDefault("dem.maxzoom", 12)
	viper.SetDefault("dem.id", "dem")
	viper.SetDefault("cache.size", 100)
	viper.SetDefault("cache.tiles", 0)
	viper.SetDefault("cache.parsed", 0)
	viper.SetDefault("cache.contours", 0)
	viper.SetDefault("fetch.timeout", "10s")
	viper.SetDefault("fetch.workers", 8)
	viper.SetDefault("s3.endpoint", "s3.amazonaws.com")
	viper.SetDefault("s3.secure", true)
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.worker", false)
	viper.SetDefault("contour.thresholds", "11*200*1000~12*100*500~14*50*200")
	viper.SetDefault("contour.layer", manager.DefaultContourLayer)
	viper.SetDefault("contour.elevationkey", manager.DefaultElevationKey)
	viper.SetDefault("contour.levelkey", manager.DefaultLevelKey)
	viper.SetDefault("contour.extent", manager.DefaultExtent)
	viper.SetDefault("contour.buffer", manager.DefaultBuffer)
	viper.SetDefault("contour.multiplier", manager.DefaultMultiplier)
	viper.SetDefault("contour.overzoom", 0)
	viper.SetDefault("contour.subsamplebelow", manager.DefaultSubsampleBelow)
	viper.SetDefault("export.workers", 4)
	viper.SetDefault("export.format", "mbtiles")
	viper.SetDefault("export.directory", "output")
	viper.SetDefault("log.level", "info")
}

func sourceOptions() source.Options {
	return source.Options{
		Client:    &http.Client{Timeout: viper.GetDuration("fetch.timeout") * 3},
		Workers:   viper.GetInt("fetch.workers"),
		CacheSize: viper.GetInt("cache.size"),
		S3: archive.S3Config{
			Endpoint: viper.GetString("s3.endpoint"),
			Key:      viper.GetString("s3.key"),
			Secret:   viper.GetString("s3.secret"),
			Secure:   viper.GetBool("s3.secure"),
		},
	}
}

// globalOptions reads the contour defaults, which requests may override.
func globalOptions() (manager.GlobalOptions, error) {
	thresholds, err := manager.DecodeThresholds(viper.GetString("contour.thresholds"))
	if err != nil {
		return manager.GlobalOptions{}, err
	}
	g := manager.GlobalOptions{
		Thresholds:     thresholds,
		Multiplier:     viper.GetFloat64("contour.multiplier"),
		Buffer:         viper.GetInt("contour.buffer"),
		Extent:         viper.GetInt("contour.extent"),
		ContourLayer:   viper.GetString("contour.layer"),
		ElevationKey:   viper.GetString("contour.elevationkey"),
		LevelKey:       viper.GetString("contour.levelkey"),
		SubsampleBelow: viper.GetInt("contour.subsamplebelow"),
		Overzoom:       viper.GetInt("contour.overzoom"),
	}
	return g, g.Validate()
}

// openManager builds the local manager, or with server.worker set, starts
// a worker process and talks to it over its stdin and stdout. The returned
// closer releases the source or stops the worker.
func openManager(ctx context.Context, metrics *manager.Metrics) (manager.DemManager, io.Closer, error) {
	url := viper.GetString("dem.url")
	if url == "" {
		return nil, nil, fmt.Errorf("no dem source, set dem.url or --dem")
	}
	encoding, err := dem.ParseEncoding(viper.GetString("dem.encoding"))
	if err != nil {
		return nil, nil, err
	}
	if viper.GetBool("server.worker") {
		return openWorker(ctx, actor.InitMessage{
			ManagerID: viper.GetString("dem.id"),
			URL:       url,
			Encoding:  encoding,
			MaxZoom:   viper.GetInt("dem.maxzoom"),
			CacheSize: viper.GetInt("cache.size"),
			TimeoutMs: viper.GetDuration("fetch.timeout").Milliseconds(),
		})
	}
	fetcher, err := source.Open(url, sourceOptions())
	if err != nil {
		return nil, nil, err
	}
	var closer io.Closer = closerFunc(func() error { return nil })
	if c, ok := fetcher.(io.Closer); ok {
		closer = c
	}
	m := manager.NewLocalDemManager(manager.Config{
		Fetcher:          fetcher,
		Encoding:         encoding,
		MaxZoom:          viper.GetInt("dem.maxzoom"),
		CacheSize:        viper.GetInt("cache.size"),
		TileCacheSize:    viper.GetInt("cache.tiles"),
		ParsedCacheSize:  viper.GetInt("cache.parsed"),
		ContourCacheSize: viper.GetInt("cache.contours"),
		Timeout:          viper.GetDuration("fetch.timeout"),
		Metrics:          metrics,
	})
	log.Infof("dem source %s, %s encoded, max zoom %d", url, encoding, m.MaxZoom())
	return m, closer, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type workerProcess struct {
	cmd   *exec.Cmd
	actor *actor.Actor
}

func (w *workerProcess) Close() error {
	w.actor.Close()
	return w.cmd.Wait()
}

func openWorker(ctx context.Context, init actor.InitMessage) (manager.DemManager, io.Closer, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, err
	}
	cmd := exec.Command(exe, "worker", "-c", cfgFile, "--log-level", viper.GetString("log.level"))
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	a := actor.New(actor.NewStreamTransport(stdout, stdin), nil, 0)
	w := &workerProcess{cmd: cmd, actor: a}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	m, err := actor.NewRemoteDemManager(initCtx, a, init)
	if err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("start worker error: %w", err)
	}
	log.Infof("worker %d serves dem source %s as manager %s", cmd.Process.Pid, init.URL, m.ID())
	return m, w, nil
}

// parseTileArg reads a z/x/y argument.
func parseTileArg(s string) (maptile.Tile, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return maptile.Tile{}, fmt.Errorf("tile %q is not z/x/y", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return maptile.Tile{}, fmt.Errorf("tile %q is not z/x/y", s)
		}
		v[i] = n
	}
	if v[0] > 30 || v[1] >= 1<<v[0] || v[2] >= 1<<v[0] {
		return maptile.Tile{}, fmt.Errorf("tile %q out of range", s)
	}
	return maptile.New(uint32(v[1]), uint32(v[2]), maptile.Zoom(v[0])), nil
}
