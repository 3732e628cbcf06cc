package push

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maxgio92/cutrace/internal/config"
	"github.com/maxgio92/cutrace/internal/registry"
	"github.com/maxgio92/cutrace/pkg/cmd/common"
	"github.com/maxgio92/cutrace/pkg/cmd/options"
)

const (
	CmdName = "push"

	EnvRegion   = "AWS_REGION"
	EnvRepoName = "ECR_REPO_NAME"
	EnvImageTag = "IMAGE_TAG"
)

type Options struct {
	region     string
	repository string
	tag        string
	contextDir string
	dockerfile string

	*options.CommonOptions
}

func NewCommand(opts *options.CommonOptions) *cobra.Command {
	o := new(Options)
	o.CommonOptions = opts

	cmd := &cobra.Command{
		Use:   CmdName,
		Short: "Build the container image and push it to ECR",
		Long: fmt.Sprintf(`
%s builds the container image from a Dockerfile, creates the ECR repository
when it does not exist yet and pushes the tagged image to it.
`, CmdName),
		DisableAutoGenTag: true,
		RunE:              o.Run,
	}

	cmd.Flags().StringVar(&o.region, "region", "", fmt.Sprintf("AWS region (falls back to $%s, then %s)", EnvRegion, registry.DefaultRegion))
	cmd.Flags().StringVar(&o.repository, "repository", "", fmt.Sprintf("ECR repository name (falls back to $%s, then %s)", EnvRepoName, registry.DefaultRepository))
	cmd.Flags().StringVar(&o.tag, "tag", "", fmt.Sprintf("Image tag (falls back to $%s, then %s)", EnvImageTag, registry.DefaultTag))
	cmd.Flags().StringVar(&o.contextDir, "context", ".", "Docker build context directory")
	cmd.Flags().StringVar(&o.dockerfile, "dockerfile", registry.DefaultDockerfile, "Dockerfile path, relative to the context")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) error {
	var err error
	o.LogLevel, err = cmd.Flags().GetString("log-level")
	if err != nil {
		return errors.Wrap(err, "failed to get log level")
	}

	cfg, err := common.LoadConfig(o.ConfigPath)
	if err != nil {
		return err
	}
	o.applyConfig(cmd, cfg)
	o.applyEnv()

	logLevel, err := log.ParseLevel(o.LogLevel)
	if err != nil {
		o.Logger.Fatal().Err(err).Msg("invalid log level")
	}
	o.Logger = o.Logger.Level(logLevel)

	pusher := registry.NewPusher(
		registry.WithPusherRegion(o.region),
		registry.WithPusherRepository(o.repository),
		registry.WithPusherTag(o.tag),
		registry.WithPusherContextDir(o.contextDir),
		registry.WithPusherDockerfile(o.dockerfile),
		registry.WithPusherWriter(os.Stdout),
		registry.WithPusherLogger(&o.Logger),
	)
	if err := pusher.Init(o.Ctx); err != nil {
		return errors.Wrap(err, "failed to init pusher")
	}

	ref, err := pusher.Push(o.Ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Image pushed: %s\n", ref)

	return nil
}

// applyConfig fills in flags the user did not set from the config file.
func (o *Options) applyConfig(cmd *cobra.Command, cfg *config.Config) {
	if cfg.Push.Region != "" && !cmd.Flags().Changed("region") {
		o.region = cfg.Push.Region
	}
	if cfg.Push.Repository != "" && !cmd.Flags().Changed("repository") {
		o.repository = cfg.Push.Repository
	}
	if cfg.Push.Tag != "" && !cmd.Flags().Changed("tag") {
		o.tag = cfg.Push.Tag
	}
	if cfg.LogLevel != "" && !cmd.Flags().Changed("log-level") {
		o.LogLevel = cfg.LogLevel
	}
}

// applyEnv fills in values still unset from the environment.
func (o *Options) applyEnv() {
	if o.region == "" {
		o.region = os.Getenv(EnvRegion)
	}
	if o.repository == "" {
		o.repository = os.Getenv(EnvRepoName)
	}
	if o.tag == "" {
		o.tag = os.Getenv(EnvImageTag)
	}
}
