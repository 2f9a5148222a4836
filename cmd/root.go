package cmd

import (
	"context"
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quarry-dl/quarry/admission"
	"github.com/quarry-dl/quarry/engine"
	"github.com/quarry-dl/quarry/resolve"
	"github.com/quarry-dl/quarry/transfer"
	"github.com/quarry-dl/quarry/utils"
)

var (
	targetDir      string
	connections    int
	globalLimit    int
	retries        int
	timeout        time.Duration
	kaTimeout      time.Duration
	userAgent      string
	headers        []string
	urlListFile    string
	hostPolicyFile string
	insecureTLS    bool
	debug          bool
)

var QuarryVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "quarry",
	Short:   "Quarry is a segmented, resumable download manager",
	Version: QuarryVersion,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if len(args) == 0 && urlListFile == "" {
			utils.PrintError("No URL or URL list provided")
			os.Exit(1)
		}
		if urlListFile != "" && len(args) > 0 {
			utils.PrintError("Cannot specify url arguments and --list together, choose one")
			os.Exit(1)
		}
		entries := make([]utils.DownloadEntry, 0, len(args))
		for _, arg := range args {
			if _, err := u.Parse(arg); err != nil {
				utils.PrintError(fmt.Sprintf("Invalid URL: %s", arg))
				os.Exit(1)
			}
			entries = append(entries, utils.DownloadEntry{URL: arg, Dir: targetDir})
		}
		if urlListFile != "" {
			listEntries, err := utils.ReadDownloadList(urlListFile)
			if err != nil {
				utils.PrintError("Failed to read URL list file")
				os.Exit(1)
			}
			entries = listEntries
		}

		policies := admission.DefaultPolicies()
		if hostPolicyFile != "" {
			loaded, err := admission.LoadPolicies(hostPolicyFile)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to load host policies: %v", err))
				os.Exit(1)
			}
			policies = loaded
		}
		controller := admission.NewController(globalLimit, policies)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		baseHeaders := utils.ParseHeaderArgs(headers)
		if userAgent != "" {
			baseHeaders["User-Agent"] = userAgent
		}
		registry := resolve.NewRegistry(utils.CreateHTTPClient(timeout, kaTimeout, insecureTLS))

		failures := downloadAll(ctx, entries, controller, registry, baseHeaders)
		printStats(controller)
		if failures > 0 {
			utils.PrintError(fmt.Sprintf("Encountered %d failed download(s)", failures))
			os.Exit(1)
		}
		utils.PrintSuccess("All downloads completed")
	},
}

func downloadAll(ctx context.Context, entries []utils.DownloadEntry, controller *admission.Controller, registry *resolve.Registry, baseHeaders map[string]string) int {
	log := utils.GetLogger("downloader")
	var wg sync.WaitGroup
	// One entry may resolve into arbitrarily many descriptors, so failures are
	// counted rather than collected on a channel.
	var failures atomic.Int64
	for _, entry := range entries {
		wg.Add(1)
		go func(entry utils.DownloadEntry) {
			defer wg.Done()
			descriptors, err := registry.Resolve(ctx, entry.URL)
			if err != nil {
				log.Error().Err(err).Str("url", entry.URL).Msg("Resolution failed")
				failures.Add(1)
				return
			}
			dir := entry.Dir
			if dir == "" {
				dir = targetDir
			}
			var jobWg sync.WaitGroup
			for _, desc := range descriptors {
				jobWg.Add(1)
				go func(desc utils.ResourceDescriptor) {
					defer jobWg.Done()
					if err := submitTransfer(ctx, desc, dir, controller, baseHeaders); err != nil {
						failures.Add(1)
					}
				}(desc)
			}
			jobWg.Wait()
		}(entry)
	}
	wg.Wait()
	return int(failures.Load())
}

func submitTransfer(ctx context.Context, desc utils.ResourceDescriptor, dir string, controller *admission.Controller, baseHeaders map[string]string) error {
	log := utils.GetLogger("downloader")
	host := admission.HostOf(desc.URL)
	policy := controller.PolicyFor(host)
	if desc.Headers == nil {
		desc.Headers = make(map[string]string)
	}
	for k, v := range baseHeaders {
		if _, set := desc.Headers[k]; !set {
			desc.Headers[k] = v
		}
	}
	for k, v := range policy.ExtraHeaders {
		if _, set := desc.Headers[k]; !set {
			desc.Headers[k] = v
		}
	}

	return controller.Submit(ctx, desc, func(ctx context.Context) error {
		client := utils.CreateHTTPClient(timeout, kaTimeout, insecureTLS || policy.IgnoreTLSVerification)
		var rangeEngine engine.RangeFetcher
		if policy.UseAlternateEngine {
			rangeEngine = engine.NewAria2Engine(insecureTLS || policy.IgnoreTLSVerification)
		}
		name := desc.Filename
		if name == "" {
			name = utils.FilenameFromURL(desc.URL)
		}
		_, err := transfer.Run(ctx, desc, dir, transfer.Options{
			Parallelism:     min(connections, max(policy.MaxConnections, 1)),
			Retries:         retries,
			Engine:          rangeEngine,
			Client:          client,
			AcceptNonRanged: policy.AcceptNonRanged,
			OnProgress: func(downloaded, total int64) {
				log.Info().
					Str("file", name).
					Str("progress", utils.ProgressBar(downloaded, total, 30)).
					Str("downloaded", humanize.Bytes(uint64(downloaded))).
					Msg("Downloading")
			},
		})
		return err
	})
}

func printStats(controller *admission.Controller) {
	stats := controller.Stats()
	if stats.Submitted == 0 {
		return
	}
	rows := [][]string{}
	for key, limit := range stats.Limits {
		rows = append(rows, []string{key, strconv.FormatInt(limit, 10), strconv.Itoa(stats.Active[key])})
	}
	fmt.Println(utils.FormatTable([]string{"Host", "Limit", "Active"}, rows))
	utils.PrintInfo(fmt.Sprintf("Submitted %d, succeeded %d, failed %d", stats.Submitted, stats.Succeeded, stats.Failed))
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&targetDir, "dir", "d", ".", "Target directory for downloaded files")
	rootCmd.Flags().StringVarP(&urlListFile, "list", "l", "", "Path to YAML file containing URLs and target dirs")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 8, "Number of connections (segments) per download")
	rootCmd.Flags().IntVarP(&globalLimit, "max-active", "w", 20, "Maximum downloads running at once across all hosts")
	rootCmd.Flags().IntVarP(&retries, "retries", "r", 3, "Retry attempts per segment")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.Flags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.Flags().StringVar(&hostPolicyFile, "hosts", "", "Path to YAML host policy file")

	// flags without shorthand
	rootCmd.Flags().BoolVar(&insecureTLS, "insecure", false, "Skip TLS certificate verification")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
