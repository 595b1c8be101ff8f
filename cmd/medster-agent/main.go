// Command medster-agent is the thin CLI entry point spec.md §6 scopes in:
// load configuration, resolve the model to run, and run exactly one query
// to completion, honoring SIGINT/SIGTERM as cancellation. Everything else
// (prompting, tool dispatch, session state) belongs to the Agent Loop this
// binary constructs and delegates to; this file owns no agent logic itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sbayer2/medster-agent/internal/agent/capability"
	"github.com/sbayer2/medster-agent/internal/agent/contextmgr"
	"github.com/sbayer2/medster-agent/internal/agent/llm"
	"github.com/sbayer2/medster-agent/internal/agent/llm/anthropicapi"
	"github.com/sbayer2/medster-agent/internal/agent/llm/bedrock"
	"github.com/sbayer2/medster-agent/internal/agent/llm/openaicompat"
	"github.com/sbayer2/medster-agent/internal/agent/loop"
	"github.com/sbayer2/medster-agent/internal/agent/prompt"
	"github.com/sbayer2/medster-agent/internal/agent/sandbox"
	"github.com/sbayer2/medster-agent/internal/agent/tools"
	"github.com/sbayer2/medster-agent/internal/config"
	"github.com/sbayer2/medster-agent/internal/store"
	"github.com/sbayer2/medster-agent/internal/store/fsstore"
	"github.com/sbayer2/medster-agent/internal/store/mongostore"
	"github.com/sbayer2/medster-agent/internal/store/remotestore"
	"github.com/sbayer2/medster-agent/internal/telemetry"
	"github.com/sbayer2/medster-agent/internal/tools/analysis"
	"github.com/sbayer2/medster-agent/internal/tools/clinical"
	"github.com/sbayer2/medster-agent/internal/tools/medical"
)

func main() {
	var (
		configF = flag.String("config", "config.yaml", "Path to the agent's YAML configuration file")
		modelF  = flag.String("model", "", "Model name to run (overrides the config file's model_name)")
		queryF  = flag.String("query", "", "The clinical question to answer")
		debugF  = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if *queryF == "" {
		log.Fatal(ctx, fmt.Errorf("-query is required"))
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	modelName := cfg.ModelName
	if *modelF != "" {
		modelName = *modelF
	}

	caps := capability.Default()
	capv := caps.Lookup(modelName)

	telem := telemetry.Set{Log: telemetry.NewClueLogger(), Metrics: telemetry.NewClueMetrics(), Trace: telemetry.NewClueTracer()}

	rec, err := buildStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal(ctx, err)
	}

	backend, err := buildBackend(ctx, cfg, capv.Backend)
	if err != nil {
		log.Fatal(ctx, err)
	}
	retry := llm.DefaultRetryPolicy()
	retry.MaxAttempts = capv.MaxRetriesOnFailure + 1
	gw := llm.New(backend, 0, retry, telem.Log)

	var oracle *analysis.GatewayOracle
	if visionModel, ok := visionCapableModel(caps); ok {
		oracle = analysis.NewGatewayOracle(gw, visionModel)
	}

	sb := sandbox.New(rec, sandboxOracle(oracle), func(msg string) { log.Print(ctx, log.KV{K: "sandbox", V: msg}) })

	registry, err := tools.NewRegistry(allTools(rec, sb, oracle)...)
	if err != nil {
		log.Fatal(ctx, err)
	}

	loopCfg := loop.Config{
		MaxSteps:           cfg.Bounds.MaxSteps,
		MaxStepsPerTask:    cfg.Bounds.MaxStepsPerTask,
		MaxRetriesOnNoData: cfg.Bounds.MaxRetriesOnNoData,
		TaskTimeoutSeconds: cfg.Bounds.TaskTimeoutSeconds,
		MaxAgentErrors:     cfg.Bounds.MaxAgentErrors,
	}
	agent := loop.New(modelName, gw, caps, prompt.New(), registry, contextmgr.New(2048), loopCfg, nil, telem)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		log.Print(ctx, log.KV{K: "signal", V: "cancelling run"})
		cancel()
	}()

	answer := agent.Run(runCtx, *queryF)
	fmt.Println(answer)
}

// buildStore constructs the record-store backend named by cfg.Kind.
func buildStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch cfg.Kind {
	case "", "fs":
		return fsstore.New(cfg.BundlesDir, cfg.ECGCSVPath, cfg.DicomDir), nil
	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		return mongostore.New(client.Database(cfg.MongoDB)), nil
	case "remote":
		conn, err := grpc.NewClient(cfg.RemoteAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("dial remote store %s: %w", cfg.RemoteAddr, err)
		}
		return remotestore.New(conn), nil
	default:
		return nil, fmt.Errorf("config: unknown store kind %q", cfg.Kind)
	}
}

// buildBackend constructs the llm.Backend named by backendKind, reading its
// endpoint details from cfg.Backends.
func buildBackend(ctx context.Context, cfg *config.Config, backendKind string) (llm.Backend, error) {
	b := cfg.Backends[backendKind]
	switch backendKind {
	case "openai":
		return openaicompat.NewFromBaseURL(b.BaseURL, b.APIKey, openaicompat.Options{MaxTokens: 4096})
	case "anthropic":
		return anthropicapi.NewFromAPIKey(b.APIKey, anthropicapi.Options{MaxTokens: 4096})
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		if b.Region != "" {
			awsCfg.Region = b.Region
		}
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		return bedrock.New(runtime, bedrock.Options{MaxTokens: 4096})
	default:
		return nil, fmt.Errorf("config: unknown backend kind %q", backendKind)
	}
}

// visionCapableModel returns the first registered vision-capable model name,
// used to back the vision analyzer tool and the sandbox's vision helpers.
func visionCapableModel(caps *capability.Registry) (string, bool) {
	for _, name := range []string{"claude-sonnet-4-5", "bedrock-claude-vision"} {
		if caps.Lookup(name).Vision {
			return name, true
		}
	}
	return "", false
}

// sandboxOracle adapts a possibly-nil *analysis.GatewayOracle to
// sandbox.VisionOracle: a query without a configured vision backend still
// runs, it simply can't dispatch analyze_image calls from inside a script.
func sandboxOracle(o *analysis.GatewayOracle) sandbox.VisionOracle {
	if o == nil {
		return nil
	}
	return o
}

// allTools assembles the Tool Registry's full catalogue: single-patient
// record-store access (medical), clinical scoring (clinical), and vision and
// code-sandbox dispatch (analysis). The batch primitives (C8) are not
// registered directly; they are sandbox globals reached only through
// run_code, matching spec.md §4.8/§4.9's "fixed whitelist" design.
func allTools(rec store.Store, sb *sandbox.Sandbox, oracle *analysis.GatewayOracle) []tools.Tool {
	var all []tools.Tool
	all = append(all, medical.Tools(rec)...)
	all = append(all, clinical.Tools()...)
	all = append(all, analysis.SandboxTools(sb)...)
	if oracle != nil {
		all = append(all, analysis.Tools(oracle)...)
	}
	return all
}
