// Printernizer watches a fleet of 3D printers, archives everything they
// print into a content-addressed library, and feeds events to Home Assistant
// and webhook notification channels.
package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/discovery"
	"github.com/printernizer/printernizer/modules/download"
	"github.com/printernizer/printernizer/modules/library"
	"github.com/printernizer/printernizer/modules/metadata"
	"github.com/printernizer/printernizer/modules/notify"
	"github.com/printernizer/printernizer/modules/printers"
	"github.com/printernizer/printernizer/modules/storage"
	"github.com/printernizer/printernizer/modules/stream"
	"github.com/printernizer/printernizer/modules/webcam"
)

type Config struct {
	HttpAddr string `envDefault:":8080"`
	DBPath   string `envDefault:"printernizer.sqlite3"`

	LibraryEnabled           bool   `envDefault:"true"`
	LibraryRoot              string `envDefault:"library"`
	LibraryChecksumAlgorithm string `envDefault:"sha256"`
	LibraryWorkers           int    `envDefault:"2"`
	LibraryPreserveOriginals bool   `envDefault:"true"`
	WatchFolders             string // comma separated
	AutoDownload             bool   `envDefault:"true"`

	PollInterval      time.Duration `envDefault:"30s"`
	MaxPollInterval   time.Duration `envDefault:"5m"`
	DiscoveryDelay    time.Duration `envDefault:"60s"`
	DiscoveryInterval time.Duration `envDefault:"5m"`
	StaleAfter        time.Duration `envDefault:"2m"`
	MaxFailures       int           `envDefault:"10"`

	DownloadMaxRetries     int           `envDefault:"3"`
	DownloadRetryDelay     time.Duration `envDefault:"2s"`
	DownloadRetryMaxDelay  time.Duration `envDefault:"30s"`
	DownloadRetryJitter    float64       `envDefault:"0.1"`
	DownloadMaxConcurrent  int           `envDefault:"2"`
	DownloadChunkSizeBytes int           `envDefault:"32768"`
	MaxFileSizeMB          int64         `envDefault:"512"`

	MqttConnectTimeout time.Duration `envDefault:"60s"`
	MqttReconnectDelay time.Duration `envDefault:"5s"`

	MqttBrokerURL string
	MqttUsername  string
	MqttPassword  string
	HAPrefix      string `envDefault:"homeassistant"`

	DiscordWebhookURL string
	SlackWebhookURL   string
	NtfyURL           string
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The MQTT and FTP libraries log noise through the stdlib log package.
	log.SetOutput(io.Discard)

	conf, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "PRINTERNIZER_", UseFieldNameByDefault: true})
	if err != nil {
		panic(err)
	}

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		if err := engine.CheckHealthProbe("http://localhost:8080/healthz"); err != nil {
			panic(err)
		}
		return
	}

	app, err := newApp(conf)
	if err != nil {
		panic(err)
	}
	app.Run(context.TODO())
}

func newApp(conf Config) (*engine.App, error) {
	store, err := storage.Open(conf.DBPath)
	if err != nil {
		return nil, err
	}

	bus := engine.NewBus()

	router := engine.NewRouter()
	router.HandleFunc("/healthz", engine.ServeHealthProbe(store.DB()))
	router.Handle("/metrics", promhttp.Handler())

	a := engine.NewApp(conf.HttpAddr, router)

	downloads := download.NewManager(download.ManagerOptions{
		MaxRetries:     conf.DownloadMaxRetries,
		BaseDelay:      conf.DownloadRetryDelay,
		MaxDelay:       conf.DownloadRetryMaxDelay,
		Jitter:         conf.DownloadRetryJitter,
		MaxConcurrent:  conf.DownloadMaxConcurrent,
		ChunkSizeBytes: conf.DownloadChunkSizeBytes,
		MaxFileSizeMB:  conf.MaxFileSizeMB,
	})

	if conf.LibraryEnabled {
		libraryModule, err := library.New(store, bus, library.Options{
			Root:              conf.LibraryRoot,
			WatchFolders:      splitFolders(conf.WatchFolders),
			AutoDownload:      conf.AutoDownload,
			Downloads:         downloads,
			ChecksumAlgorithm: conf.LibraryChecksumAlgorithm,
			PreserveOriginals: conf.LibraryPreserveOriginals,
		})
		if err != nil {
			return nil, err
		}
		a.Add(libraryModule)
		a.Add(metadata.New(store, bus, libraryModule.Library(), conf.LibraryWorkers))
	} else {
		slog.Info("library disabled; files stay on the printers and no metadata is extracted")
	}

	a.Add(printers.New(store, bus, printers.Options{
		PollInterval:       conf.PollInterval,
		MaxPollInterval:    conf.MaxPollInterval,
		DiscoveryDelay:     conf.DiscoveryDelay,
		DiscoveryInterval:  conf.DiscoveryInterval,
		StaleAfter:         conf.StaleAfter,
		MaxFailures:        conf.MaxFailures,
		MqttConnectTimeout: conf.MqttConnectTimeout,
		MqttReconnectDelay: conf.MqttReconnectDelay,
	}))

	a.Add(webcam.New(store))
	a.Add(stream.New(bus))
	a.Add(notify.New(store, bus, notify.Options{
		DiscordWebhookURL: conf.DiscordWebhookURL,
		SlackWebhookURL:   conf.SlackWebhookURL,
		NtfyURL:           conf.NtfyURL,
	}))

	if conf.MqttBrokerURL != "" {
		a.Add(discovery.New(store, bus, discovery.Options{
			BrokerURL: conf.MqttBrokerURL,
			Username:  conf.MqttUsername,
			Password:  conf.MqttPassword,
			Prefix:    conf.HAPrefix,
		}))
	} else {
		slog.Info("home assistant discovery disabled because no broker was configured")
	}

	return a, nil
}

func splitFolders(raw string) []string {
	var folders []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			folders = append(folders, f)
		}
	}
	return folders
}
