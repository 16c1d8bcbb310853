package calc

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gomobility/pkg/remote"
)

// DefaultComputer is the computer name of the local engine.
const DefaultComputer = "localhost"

// Builder builds calculation requests. It is safe for concurrent use.
type Builder struct {
	resolver remote.Resolver
	registry *Registry
	computer string
	logger   *zap.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithComputer sets the computer new calculations run on.
func WithComputer(name string) BuilderOption {
	return func(b *Builder) {
		if strings.TrimSpace(name) != "" {
			b.computer = name
		}
	}
}

// WithLogger sets the builder logger.
func WithLogger(l *zap.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder returns a builder resolving upstream folders with resolver.
// A nil registry uses DefaultRegistry.
func NewBuilder(resolver remote.Resolver, registry *Registry, opts ...BuilderOption) *Builder {
	if registry == nil {
		registry = DefaultRegistry()
	}
	b := &Builder{
		resolver: resolver,
		registry: registry,
		computer: DefaultComputer,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Computer returns the computer new calculations run on.
func (b *Builder) Computer() string {
	return b.computer
}

// Resolver returns the resolver upstream folders are checked against.
func (b *Builder) Resolver() remote.Resolver {
	return b.resolver
}

// Registry returns the capability registry.
func (b *Builder) Registry() *Registry {
	return b.registry
}

// producer resolves the calculation that produced f and checks that it ran
// one of the wanted programs.
func (b *Builder) producer(ctx context.Context, field string, f remote.Folder, want ...Program) (*remote.Calculation, error) {
	if f.IsZero() {
		return nil, configError(field, "folder is required")
	}
	c, err := b.resolver.Producer(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapConfigError(field, err, "cannot resolve producing calculation")
	}
	if len(want) == 0 {
		return c, nil
	}
	for _, p := range want {
		if Program(c.Program) == p {
			return c, nil
		}
	}
	return nil, configError(field, "produced by %s, expected %s", c.Program, joinPrograms(want))
}

func joinPrograms(ps []Program) string {
	s := make([]string, len(ps))
	for i, p := range ps {
		s[i] = string(p)
	}
	return strings.Join(s, " or ")
}

// stage returns one staging instruction from folder elem to dest.
func stage(f remote.Folder, symlink bool, dest string, elem ...string) StageInstruction {
	mode := StageCopy
	if symlink {
		mode = StageSymlink
	}
	return StageInstruction{
		Computer: f.Computer,
		Source:   path.Join(append([]string{f.Path}, elem...)...),
		Dest:     dest,
		Mode:     mode,
	}
}

// linkOrCopy stages elem under its own name when linking and into "." when
// copying.
func linkOrCopy(f remote.Folder, symlink bool, name string) StageInstruction {
	if symlink {
		return stage(f, true, name, name)
	}
	return stage(f, false, ".", name)
}

func cloneFolder(f remote.Folder) *remote.Folder {
	return &f
}
