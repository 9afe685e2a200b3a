package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
	"github.com/oarkflow/abac/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	case "test":
		handleTest()
	case "templates":
		handleTemplates()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("abac-config - Configuration tool for the ABAC policy engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  abac-config convert <input> <output>                 - Convert between YAML and JSON")
	fmt.Println("  abac-config validate <file>                          - Validate configuration")
	fmt.Println("  abac-config stats <file>                             - Show configuration statistics")
	fmt.Println("  abac-config apply [--db file] [--redis addr] <file>  - Apply configuration to a store")
	fmt.Println("  abac-config test <file> <request.json>               - Dry-run a request against a configuration")
	fmt.Println("  abac-config templates                                - List core policy templates")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: abac-config convert <input> <output>")
		os.Exit(1)
	}
	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg := mustLoad(inputFile)
	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: abac-config validate <file>")
		os.Exit(1)
	}
	cfg := mustLoad(os.Args[2])
	if err := cfg.Validate(); err != nil {
		fmt.Println("Invalid configuration:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("  - %s\n", line)
		}
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Core templates: %d\n", len(cfg.CoreTemplates))
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: abac-config stats <file>")
		os.Exit(1)
	}
	filename := os.Args[2]
	cfg := mustLoad(filename)
	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	byEffect := map[string]int{}
	byScope := map[string]int{}
	byCategory := map[string]int{}
	tenants := map[string]bool{}
	for _, pc := range cfg.Policies {
		p, err := pc.ToPolicy()
		if err != nil {
			fmt.Printf("  skipping %s: %v\n", pc.ID, err)
			continue
		}
		byEffect[string(p.Effect)]++
		byScope[string(p.Scope)]++
		byCategory[string(p.Category)]++
		if p.TenantID != "" {
			tenants[p.TenantID] = true
		}
	}
	fmt.Println("Policies:")
	fmt.Printf("  Total:   %d\n", len(cfg.Policies))
	fmt.Printf("  Tenants: %d\n", len(tenants))
	printCounts("By effect", byEffect)
	printCounts("By scope", byScope)
	printCounts("By category", byCategory)

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Cache refresh interval: %dms\n", cfg.Engine.CacheRefreshInterval)
	fmt.Printf("  Stats queue size:       %d\n", cfg.Engine.StatsQueueSize)
	fmt.Printf("  Stats flush interval:   %dms\n", cfg.Engine.StatsFlushInterval)
	fmt.Printf("  Denial ring capacity:   %d\n", cfg.Engine.DenialRingCapacity)
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("  %s:\n", title)
	for _, k := range keys {
		fmt.Printf("    %-24s %d\n", k, counts[k])
	}
	fmt.Println()
}

func handleApply() {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	dbPath := fs.String("db", "", "sqlite database file (default: in-memory store)")
	redisAddr := fs.String("redis", "", "redis address for shared statistics counters")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fmt.Println("Usage: abac-config apply [--db file] [--redis addr] <file>")
		os.Exit(1)
	}
	cfg := mustLoad(fs.Arg(0))
	ctx := context.Background()

	var store abac.PolicyStore = stores.NewMemoryPolicyStore()
	var sink abac.DenialSink
	if *dbPath != "" {
		sqlDB, err := sql.Open("sqlite", *dbPath)
		if err != nil {
			fmt.Printf("Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer sqlDB.Close()
		db := squealx.NewDb(sqlDB, "sqlite", "abac")
		if err := stores.Migrate(db); err != nil {
			fmt.Printf("Error migrating database: %v\n", err)
			os.Exit(1)
		}
		store = stores.NewSQLPolicyStore(db)
		sink = stores.NewSQLDenialStore(db)
	}
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		store = stores.NewRedisCounterStore(store, client)
	}

	opts := []abac.EngineOption{abac.WithLogger(logger.NewPhusluLogger())}
	if sink != nil {
		opts = append(opts, abac.WithDenialSink(sink))
	}
	engine, err := abac.NewEngineFromConfig(ctx, store, cfg, opts...)
	if err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close(ctx)

	policies, err := engine.ListPolicies(ctx, abac.PolicyFilter{})
	if err != nil {
		fmt.Printf("Error listing policies: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Policies stored: %d\n", len(policies))
	for _, p := range policies {
		fmt.Printf("    %-32s %-8s %-6s prio=%-4d active=%-5v checksum=%s\n",
			p.PolicyID, p.Scope, p.Effect, p.Priority, p.IsActive, p.Checksum()[:12])
	}
}

func handleTest() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: abac-config test <file> <request.json>")
		os.Exit(1)
	}
	cfg := mustLoad(os.Args[2])
	data, err := os.ReadFile(os.Args[3])
	if err != nil {
		fmt.Printf("Error reading request: %v\n", err)
		os.Exit(1)
	}
	var req abac.TestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		fmt.Printf("Invalid request: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	engine, err := abac.NewEngineFromConfig(ctx, stores.NewMemoryPolicyStore(), cfg, abac.WithLogger(logger.NewNullLogger()))
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close(ctx)

	res, err := engine.TestRequest(ctx, &req)
	if err != nil {
		fmt.Printf("Evaluation failed: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	for _, w := range engine.Warnings() {
		fmt.Printf("warning: policy %s: %s\n", w.PolicyID, w.Problem)
	}
	if !res.Allowed() {
		os.Exit(2)
	}
}

func handleTemplates() {
	for _, t := range abac.CoreTemplates() {
		fmt.Printf("%-30s %-22s %-5s prio=%-4d %s\n", t.ID, t.Category, t.Effect, t.Priority, t.Condition)
	}
}

func mustLoad(filename string) *abac.Config {
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func loadConfig(filename string) (*abac.Config, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".yaml", ".yml", ".json":
		return abac.NewConfigLoader().LoadFile(filename)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *abac.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error
	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
