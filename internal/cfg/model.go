package cfg

import (
	"fmt"
	"reflect"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
)

// ByteSize is a size given as "64KiB", "1 GB" or a plain byte count.
type ByteSize int64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func ParseByteSize(value string) (any, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return nil, fmt.Errorf("invalid byte size %q: %w", value, err)
	}

	return ByteSize(n), nil
}

type Config struct {
	UserfaultfdEnabled  bool     `env:"VIRTUALMEM_USERFAULTFD_ENABLED"   envDefault:"true"`
	UserfaultfdLimit    ByteSize `env:"VIRTUALMEM_USERFAULTFD_LIMIT"`
	DefaultPageSize     ByteSize `env:"VIRTUALMEM_DEFAULT_PAGE_SIZE"     envDefault:"64KiB"`
	ForcePausePublisher bool     `env:"VIRTUALMEM_FORCE_PAUSE_PUBLISHER"`
	ClassifierCacheSize int      `env:"VIRTUALMEM_CLASSIFIER_CACHE_SIZE" envDefault:"256"`
	Debug               bool     `env:"VIRTUALMEM_DEBUG"`
	OtelLogs            bool     `env:"VIRTUALMEM_OTEL_LOGS"`
}

func Parse() (Config, error) {
	config, err := env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(ByteSize(0)): ParseByteSize,
		},
	})
	if err != nil {
		return Config{}, err
	}

	if config.DefaultPageSize <= 0 {
		return Config{}, fmt.Errorf("VIRTUALMEM_DEFAULT_PAGE_SIZE must be positive, got %d", config.DefaultPageSize)
	}

	if config.ClassifierCacheSize <= 0 {
		return Config{}, fmt.Errorf("VIRTUALMEM_CLASSIFIER_CACHE_SIZE must be positive, got %d", config.ClassifierCacheSize)
	}

	return config, nil
}

// Default is the configuration used when the environment is not consulted.
func Default() Config {
	return Config{
		UserfaultfdEnabled:  true,
		DefaultPageSize:     64 * humanize.KiByte,
		ClassifierCacheSize: 256,
	}
}

// UserfaultfdBudgetPages converts the userfaultfd limit into whole pages.
// Zero means unlimited.
func (c Config) UserfaultfdBudgetPages(pageSize int64) int64 {
	if c.UserfaultfdLimit <= 0 || pageSize <= 0 {
		return 0
	}

	return max(1, int64(c.UserfaultfdLimit)/pageSize)
}
