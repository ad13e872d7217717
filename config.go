package chainht

const (
	// defaultGrowthFactor multiplies the bucket count on every resize.
	defaultGrowthFactor = 2

	// loadFactor is the number of slots per bucket.
	loadFactor = 2
)

// Config defines configurable hash table options.
type Config struct {
	resizable          bool
	allowDuplicateKeys bool
	forceKeyCopy       bool
	serializable       bool
	adjustHashes       bool
	growthFactor       int
}

func defaultConfig() Config {
	return Config{
		resizable:    true,
		forceKeyCopy: true,
		adjustHashes: true,
		growthFactor: defaultGrowthFactor,
	}
}

// WithResizable configures whether the table grows automatically when it
// runs out of buckets or key bytes. A table that cannot grow reports
// ErrOutOfSpace instead. Tables are resizable by default.
func WithResizable(resizable bool) func(*Config) {
	return func(c *Config) {
		c.resizable = resizable
	}
}

// WithDuplicateKeys allows several entries with the same key. Such tables
// skip the key equality check on insert and do not support Upsert.
func WithDuplicateKeys(allow bool) func(*Config) {
	return func(c *Config) {
		c.allowDuplicateKeys = allow
	}
}

// WithForceKeyCopy controls whether key bytes are always copied into the
// table. When disabled, wide and variable-length key components are kept
// by reference and the caller must not modify them while the table lives.
// Copying is the default.
func WithForceKeyCopy(force bool) func(*Config) {
	return func(c *Config) {
		c.forceKeyCopy = force
	}
}

// WithSerializable makes the table self-contained: all key bytes live in
// its storage region. It implies WithForceKeyCopy(true).
func WithSerializable() func(*Config) {
	return func(c *Config) {
		c.serializable = true
	}
}

// WithGrowthFactor sets the bucket multiplier applied on resize. Values
// below 2 are ignored.
func WithGrowthFactor(factor int) func(*Config) {
	return func(c *Config) {
		if factor >= 2 {
			c.growthFactor = factor
		}
	}
}

// withAdjustHashes toggles the sentinel perturbation of hash codes. Tables
// that recover keys from hashes must keep them intact.
func withAdjustHashes(adjust bool) func(*Config) {
	return func(c *Config) {
		c.adjustHashes = adjust
	}
}

func buildConfig(options []func(*Config)) Config {
	c := defaultConfig()
	for _, o := range options {
		o(&c)
	}
	if c.serializable {
		c.forceKeyCopy = true
	}
	return c
}
