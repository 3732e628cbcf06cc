package registry

import (
	"io"

	log "github.com/rs/zerolog"
)

type PusherOptions struct {
	region     string
	repository string
	tag        string
	contextDir string
	dockerfile string

	out    io.Writer
	logger *log.Logger
}

type PusherOption func(*Pusher)

func WithPusherRegion(region string) PusherOption {
	return func(o *Pusher) {
		o.region = region
	}
}

func WithPusherRepository(repository string) PusherOption {
	return func(o *Pusher) {
		o.repository = repository
	}
}

func WithPusherTag(tag string) PusherOption {
	return func(o *Pusher) {
		o.tag = tag
	}
}

// WithPusherContextDir sets the Docker build context directory.
func WithPusherContextDir(dir string) PusherOption {
	return func(o *Pusher) {
		o.contextDir = dir
	}
}

// WithPusherDockerfile sets the Dockerfile path relative to the build
// context.
func WithPusherDockerfile(path string) PusherOption {
	return func(o *Pusher) {
		o.dockerfile = path
	}
}

// WithPusherWriter sets the writer the engine build output is forwarded
// to.
func WithPusherWriter(w io.Writer) PusherOption {
	return func(o *Pusher) {
		o.out = w
	}
}

func WithPusherLogger(logger *log.Logger) PusherOption {
	return func(o *Pusher) {
		o.logger = logger
	}
}

// WithPusherSTS injects the STS client, mainly for testing.
func WithPusherSTS(api STSAPI) PusherOption {
	return func(o *Pusher) {
		o.sts = api
	}
}

// WithPusherECR injects the ECR client, mainly for testing.
func WithPusherECR(api ECRAPI) PusherOption {
	return func(o *Pusher) {
		o.ecr = api
	}
}

// WithPusherDocker injects the Docker engine client, mainly for testing.
func WithPusherDocker(api DockerAPI) PusherOption {
	return func(o *Pusher) {
		o.docker = api
	}
}
