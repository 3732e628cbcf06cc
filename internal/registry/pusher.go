package registry

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

const (
	DefaultRegion     = "us-east-1"
	DefaultRepository = "cuda-tracer"
	DefaultTag        = "latest"
	DefaultDockerfile = "Dockerfile"
)

// STSAPI is the slice of the STS client the pusher needs.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ECRAPI is the slice of the ECR client the pusher needs.
type ECRAPI interface {
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// DockerAPI is the slice of the Docker engine client the pusher needs.
type DockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
}

// Pusher builds the tracer image and pushes it to an ECR repository,
// creating the repository on first use.
type Pusher struct {
	sts    STSAPI
	ecr    ECRAPI
	docker DockerAPI
	*PusherOptions
}

func NewPusher(opts ...PusherOption) *Pusher {
	pusher := new(Pusher)
	pusher.PusherOptions = new(PusherOptions)
	for _, f := range opts {
		f(pusher)
	}

	return pusher
}

// Init fills in defaults and builds the AWS and Docker clients that were
// not injected.
func (p *Pusher) Init(ctx context.Context) error {
	if p.logger == nil {
		logger := log.New(log.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		p.logger = &logger
	}
	if p.out == nil {
		p.out = os.Stdout
	}
	if p.region == "" {
		p.region = DefaultRegion
	}
	if p.repository == "" {
		p.repository = DefaultRepository
	}
	if p.tag == "" {
		p.tag = DefaultTag
	}
	if p.contextDir == "" {
		p.contextDir = "."
	}
	if p.dockerfile == "" {
		p.dockerfile = DefaultDockerfile
	}

	if p.sts == nil || p.ecr == nil {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(p.region))
		if err != nil {
			return errors.Wrap(err, "loading AWS configuration")
		}
		if p.sts == nil {
			p.sts = sts.NewFromConfig(cfg)
		}
		if p.ecr == nil {
			p.ecr = ecr.NewFromConfig(cfg)
		}
	}
	if p.docker == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return errors.Wrap(err, "creating docker client")
		}
		p.docker = cli
	}

	return nil
}

// ImageRef composes the fully qualified ECR image reference.
func ImageRef(account, region, repository, tag string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s:%s", account, region, repository, tag)
}

// Push runs the whole pipeline: resolve the account, ensure the
// repository exists, log in, build, tag, push. The first failing step
// aborts the run with that step's error. It returns the pushed image
// reference.
func (p *Pusher) Push(ctx context.Context) (string, error) {
	account, err := p.accountID(ctx)
	if err != nil {
		return "", err
	}

	ref := ImageRef(account, p.region, p.repository, p.tag)
	localRef := p.repository + ":" + p.tag

	if err := p.ensureRepository(ctx); err != nil {
		return "", err
	}

	auth, err := p.registryAuth(ctx)
	if err != nil {
		return "", err
	}

	if err := p.buildImage(ctx, localRef); err != nil {
		return "", err
	}

	if err := p.docker.ImageTag(ctx, localRef, ref); err != nil {
		return "", errors.Wrapf(err, "tagging %s as %s", localRef, ref)
	}

	if err := p.pushImage(ctx, ref, auth); err != nil {
		return "", err
	}

	p.logger.Info().Str("image", ref).Msg("image pushed")

	return ref, nil
}

func (p *Pusher) accountID(ctx context.Context) (string, error) {
	identity, err := p.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", errors.Wrap(err, "getting caller identity")
	}

	account := aws.ToString(identity.Account)
	if account == "" {
		return "", ErrNoAccount
	}
	p.logger.Debug().Str("account", account).Msg("resolved AWS account")

	return account, nil
}

// ensureRepository creates the repository only when it does not exist
// yet, so repeated pushes to the same repository never fail here.
func (p *Pusher) ensureRepository(ctx context.Context) error {
	_, err := p.ecr.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{p.repository},
	})
	if err == nil {
		p.logger.Debug().Str("repository", p.repository).Msg("repository exists")

		return nil
	}

	var notFound *ecrtypes.RepositoryNotFoundException
	if !errors.As(err, &notFound) {
		return errors.Wrapf(err, "describing repository %s", p.repository)
	}

	if _, err := p.ecr.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(p.repository),
	}); err != nil {
		return errors.Wrapf(err, "creating repository %s", p.repository)
	}
	p.logger.Info().Str("repository", p.repository).Msg("repository created")

	return nil
}

// registryAuth exchanges an ECR authorization token for the encoded
// registry auth the Docker engine expects. The token decodes to a
// user:password pair, the user being literally "AWS".
func (p *Pusher) registryAuth(ctx context.Context) (string, error) {
	token, err := p.ecr.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", errors.Wrap(err, "getting authorization token")
	}
	if len(token.AuthorizationData) == 0 {
		return "", ErrNoAuthData
	}
	data := token.AuthorizationData[0]

	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return "", errors.Wrap(err, "decoding authorization token")
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", ErrBadAuthToken
	}

	encoded, err := registrytypes.EncodeAuthConfig(registrytypes.AuthConfig{
		Username:      user,
		Password:      password,
		ServerAddress: aws.ToString(data.ProxyEndpoint),
	})
	if err != nil {
		return "", errors.Wrap(err, "encoding registry auth")
	}

	return encoded, nil
}

func (p *Pusher) buildImage(ctx context.Context, localRef string) error {
	buildCtx, err := tarDir(p.contextDir)
	if err != nil {
		return errors.Wrapf(err, "archiving build context %s", p.contextDir)
	}

	p.logger.Info().Str("image", localRef).Str("context", p.contextDir).Msg("building image")

	resp, err := p.docker.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{localRef},
		Dockerfile: p.dockerfile,
		Remove:     true,
	})
	if err != nil {
		return errors.Wrap(err, "building image")
	}
	defer resp.Body.Close()

	return p.drainStream(resp.Body)
}

func (p *Pusher) pushImage(ctx context.Context, ref, auth string) error {
	p.logger.Info().Str("image", ref).Msg("pushing image")

	reader, err := p.docker.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return errors.Wrapf(err, "pushing %s", ref)
	}
	defer reader.Close()

	return p.drainStream(reader)
}

// drainStream consumes a Docker engine JSON message stream, forwarding
// build output and stopping at the first error message.
func (p *Pusher) drainStream(r io.Reader) error {
	decoder := json.NewDecoder(r)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}

			return errors.Wrap(err, "reading engine output")
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		if msg.Stream != "" {
			fmt.Fprint(p.out, msg.Stream)
		}
		if msg.Status != "" {
			p.logger.Debug().Msg(msg.Status)
		}
	}

	return nil
}

// tarDir archives a directory into an in-memory tar stream suitable as a
// Docker build context. Symlinks and other special files are skipped.
func tarDir(dir string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Name:     rel + "/",
				Mode:     int64(info.Mode().Perm()),
				Typeflag: tar.TypeDir,
			})
		case info.Mode().IsRegular():
			if err := tw.WriteHeader(&tar.Header{
				Name: rel,
				Mode: int64(info.Mode().Perm()),
				Size: info.Size(),
			}); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			_, err = io.Copy(tw, f)

			return err
		default:
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	return &buf, nil
}
