package sandbox

import (
	"context"
	"fmt"
	"strings"

	sprites "github.com/superfly/sprites-go"

	"github.com/squadlite/squadlite/internal/common/apperr"
)

// SpritesProvider implements Provider on Sprites.dev VMs.
type SpritesProvider struct {
	client *sprites.Client
}

// NewSpritesProvider creates a provider from an API token.
func NewSpritesProvider(token string) (*SpritesProvider, error) {
	if token == "" {
		return nil, fmt.Errorf("sprites api token is required: %w", apperr.ErrValidation)
	}
	return &SpritesProvider{client: sprites.New(token)}, nil
}

// Create materializes a sprite by running a probe command; the remote side
// creates the VM lazily on first use.
func (p *SpritesProvider) Create(ctx context.Context, name string) (Instance, error) {
	sprite := p.client.Sprite(name)
	out, err := sprite.CommandContext(ctx, "echo", "sandbox-ready").Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrSandboxCreation, err)
	}
	if !strings.Contains(string(out), "sandbox-ready") {
		return nil, fmt.Errorf("%w: unexpected probe output %q", apperr.ErrSandboxCreation, string(out))
	}
	return &spriteInstance{name: name, sprite: sprite}, nil
}

type spriteInstance struct {
	name   string
	sprite *sprites.Sprite
}

func (s *spriteInstance) Name() string {
	return s.name
}

func (s *spriteInstance) Command(ctx context.Context, opts CommandOptions, name string, args ...string) Process {
	cmd := s.sprite.CommandContext(ctx, name, args...)
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}
	return cmd
}

func (s *spriteInstance) Destroy() error {
	return s.sprite.Destroy()
}
