package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// IndexerConfig describes one torznab endpoint.
type IndexerConfig struct {
	Name       string
	URL        string
	APIKey     string
	Priority   int
	MediaTypes []string
	Categories []int
}

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Metadata struct {
		BaseURL string
	}
	Download struct {
		DataDir       string
		QuotaBytes    int64
		Workers       int
		RetryAttempts uint
		RetryDelay    time.Duration
	}
	Search struct {
		Workers             int
		ScanWorkers         int
		CandidatesPerBucket int
		MaxScanRounds       int
		SatisfiedThreshold  int
		RetryNoResults      bool
		EnsureTimeout       time.Duration
		ListPriorityCutoff  int
	}
	Queue struct {
		PriorityBackground int
		PriorityNormal     int
		PriorityUrgent     int
		FailureRateStep    time.Duration
	}
	Ranking struct {
		QualityOrder []int
		CodecOrder   []string
		Unify10Bit   bool
	}
	Eviction struct {
		Interval time.Duration
	}
	Stream struct {
		StopThresholdPercent float64
		PersistInterval      time.Duration
		CodecPreference      string
	}
	Indexers []IndexerConfig
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("STREAMARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/streamarr.db")
	v.SetDefault("metadata.baseurl", "http://localhost:8081")
	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.quotabytes", int64(50<<30))
	v.SetDefault("download.workers", 4)
	v.SetDefault("download.retryattempts", 3)
	v.SetDefault("download.retrydelay", "2s")
	v.SetDefault("search.workers", 2)
	v.SetDefault("search.scanworkers", 1)
	v.SetDefault("search.candidatesperbucket", 2)
	v.SetDefault("search.maxscanrounds", 5)
	v.SetDefault("search.satisfiedthreshold", 10)
	v.SetDefault("search.retrynoresults", false)
	v.SetDefault("search.ensuretimeout", "10m")
	v.SetDefault("search.listprioritycutoff", 10)
	v.SetDefault("queue.prioritybackground", 100)
	v.SetDefault("queue.prioritynormal", 1000)
	v.SetDefault("queue.priorityurgent", 2000)
	v.SetDefault("queue.failureratestep", "2s")
	v.SetDefault("ranking.qualityorder", []int{2160, 1080, 720, 480})
	v.SetDefault("ranking.codecorder", []string{"x265", "x264", "av1"})
	v.SetDefault("ranking.unify10bit", true)
	v.SetDefault("eviction.interval", "5m")
	v.SetDefault("stream.stopthresholdpercent", 5.0)
	v.SetDefault("stream.persistinterval", "5s")
	v.SetDefault("stream.codecpreference", "")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
