package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	var (
		gatewayURL     = flag.String("gateway-url", "http://localhost:8080", "Segment key gateway URL")
		testType       = flag.String("test-type", "both", "Test type: keys, playlists, or both")
		duration       = flag.Duration("duration", 30*time.Second, "Test duration")
		workers        = flag.Int("workers", 5, "Number of worker goroutines")
		qps            = flag.Int("qps", 25, "Queries per second per worker")
		segments       = flag.Int("segments", 200, "Keys issued for the synthetic content item")
		userID         = flag.String("user", "loadtest-user", "Identity sent in the user header")
		userHeader     = flag.String("user-header", "X-User-ID", "Header carrying the identity")
		internalToken  = flag.String("internal-token", os.Getenv("INTERNAL_TOKEN"), "X-Internal-Token for key issuance")
		contentKind    = flag.String("content-kind", "movie", "Content kind of the synthetic item")
		contentID      = flag.String("content-id", "", "Existing content id for the playlist test (empty issues keys for a fresh id)")
		baselineDir    = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		updateBaseline = flag.Bool("update-baseline", false, "Update baseline files instead of checking regression")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if err := os.MkdirAll(*baselineDir, 0o755); err != nil {
		logger.WithError(err).Fatal("Failed to create baseline directory")
	}

	fmt.Println("=== Segment Key Gateway Load Test Runner ===")
	fmt.Printf("Gateway URL: %s\n", *gatewayURL)
	fmt.Printf("Test Type: %s\n", *testType)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("QPS per Worker: %d\n", *qps)
	fmt.Printf("Regression Threshold: %.1f%%\n", *threshold)
	fmt.Println()

	client := newClient(*gatewayURL, *userHeader, *userID, *internalToken)
	base := Config{
		NumWorkers:          *workers,
		Duration:            *duration,
		QPS:                 *qps,
		RegressionThreshold: *threshold,
	}

	var exitCode int
	startTime := time.Now()

	if *testType == "keys" || *testType == "both" {
		fmt.Println("--- Running Key Delivery Load Test ---")
		cfg := base
		cfg.Name = "keys"
		cfg.BaselineFile = filepath.Join(*baselineDir, "key_load_test_baseline.json")
		if err := runKeyTest(client, cfg, *contentKind, *segments, *updateBaseline, logger); err != nil {
			logger.WithError(err).Error("Key delivery test failed")
			exitCode = 1
		}
		fmt.Println()
	}

	if *testType == "playlists" || *testType == "both" {
		fmt.Println("--- Running Playlist Load Test ---")
		cfg := base
		cfg.Name = "playlists"
		cfg.BaselineFile = filepath.Join(*baselineDir, "playlist_load_test_baseline.json")
		if err := runPlaylistTest(client, cfg, *contentKind, *contentID, *updateBaseline, logger); err != nil {
			logger.WithError(err).Error("Playlist test failed")
			exitCode = 1
		}
		fmt.Println()
	}

	fmt.Printf("=== Load Tests Complete (Total Time: %v) ===\n", time.Since(startTime))
	if exitCode != 0 {
		fmt.Println("Some tests failed or regressions detected")
		os.Exit(exitCode)
	}
	fmt.Println("All tests passed")
}

func runKeyTest(c *client, cfg Config, kind string, segments int, updateBaseline bool, logger *logrus.Logger) error {
	keyIDs, err := c.issueKeys(kind, "loadtest-"+newRunID(), segments)
	if err != nil {
		return fmt.Errorf("failed to issue keys: %w", err)
	}
	logger.WithField("keys", len(keyIDs)).Info("Issued keys for load test")

	results, err := Run(cfg, func(i int) error {
		return c.fetchKey(keyIDs[i%len(keyIDs)])
	}, logger)
	if err != nil {
		return err
	}
	return report(results, cfg, updateBaseline)
}

func runPlaylistTest(c *client, cfg Config, kind, id string, updateBaseline bool, logger *logrus.Logger) error {
	if id == "" {
		logger.Info("No content id given, skipping playlist test")
		return nil
	}
	results, err := Run(cfg, func(int) error {
		return c.fetchMaster(kind, id)
	}, logger)
	if err != nil {
		return err
	}
	return report(results, cfg, updateBaseline)
}

func report(results *Results, cfg Config, updateBaseline bool) error {
	PrintResults(results)

	if updateBaseline {
		if err := SaveBaseline(results, cfg.BaselineFile); err != nil {
			return err
		}
		fmt.Printf("Baseline updated for %s load test\n", cfg.Name)
		return nil
	}

	regression, err := AnalyzeRegression(results, cfg.BaselineFile, cfg.RegressionThreshold)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No baseline found - run with --update-baseline to create one")
			return nil
		}
		return fmt.Errorf("regression analysis failed: %w", err)
	}
	PrintRegression(regression)
	if regression.SignificantRegression {
		return fmt.Errorf("significant regression detected in %s load test", cfg.Name)
	}
	fmt.Printf("%s load test passed\n", cfg.Name)
	return nil
}
