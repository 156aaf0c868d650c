package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/knadh/twofagateway/internal/backupcodes"
	"github.com/knadh/twofagateway/internal/messenger"
	"github.com/knadh/twofagateway/internal/otp"
	"github.com/knadh/twofagateway/internal/providers/kaleyra"
	"github.com/knadh/twofagateway/internal/providers/pinpoint"
	"github.com/knadh/twofagateway/internal/providers/smtp"
	"github.com/knadh/twofagateway/internal/providers/sns"
	"github.com/knadh/twofagateway/internal/providers/webhook"
	"github.com/knadh/twofagateway/internal/providers/whatsapp"
	"github.com/knadh/twofagateway/internal/store"
	"github.com/knadh/twofagateway/internal/store/memory"
	"github.com/knadh/twofagateway/internal/store/redis"
	"github.com/knadh/twofagateway/internal/totp"
	"github.com/knadh/twofagateway/pkg/models"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

const sampleConfig = "/config.sample.toml"

type constants struct {
	AppName     string        `koanf:"app_name"`
	Issuer      string        `koanf:"issuer"`
	Address     string        `koanf:"address" validate:"required"`
	Timeout     time.Duration `koanf:"server_timeout"`
	RateLimit   float64       `koanf:"rate_limit" validate:"min=0"`
	RateBurst   int           `koanf:"rate_burst" validate:"min=0"`
	CleanupCron string        `koanf:"cleanup_interval"`

	TOTPWindow  int `koanf:"-"`
	QRSize      int `koanf:"-"`
	BackupCount int `koanf:"-"`
}

type totpConf struct {
	totp.Opt `koanf:",squash"`
	Window   int `koanf:"window" validate:"min=0,max=10"`
	QRSize   int `koanf:"qr_size" validate:"omitempty,min=64,max=1024"`
}

type backupConf struct {
	Count int `koanf:"count" validate:"omitempty,min=1,max=50"`
	Cost  int `koanf:"bcrypt_cost" validate:"omitempty,min=4,max=31"`
}

var validate = validator.New()

// validateStruct validates a config struct and returns a readable error.
func validateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return err
		}

		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Namespace(), fe.Tag()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("new-config", false, "Generate a sample config.toml in the current directory")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Generate a new config.
	if ok, _ := f.GetBool("new-config"); ok {
		if err := newConfigFile(initFS(os.Args[0])); err != nil {
			log.Fatal(err)
		}
		log.Println("generated config.toml. Edit it and run the app.")
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("TWOFA_GATEWAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "TWOFA_GATEWAY_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// newConfigFile writes the bundled sample config to config.toml.
func newConfigFile(fs stuffbin.FileSystem) error {
	if _, err := os.Stat("config.toml"); !os.IsNotExist(err) {
		return errors.New("config.toml exists. Remove it to generate a new one")
	}

	b, err := fs.Read(sampleConfig)
	if err != nil {
		return fmt.Errorf("error reading sample config: %v", err)
	}

	return os.WriteFile("config.toml", b, 0600)
}

// initLogger initializes the logger.
func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{
		EnableCaller: true,
		Level:        logf.InfoLevel,
	}
	if debug {
		opts.Level = logf.DebugLevel
	}

	return logf.New(opts)
}

func initConstants() constants {
	var c constants
	if err := ko.Unmarshal("app", &c); err != nil {
		lo.Fatal("error loading app config", "error", err)
	}
	if c.Address == "" {
		c.Address = ":9000"
	}
	if err := validateStruct(c); err != nil {
		lo.Fatal("invalid app config", "error", err)
	}

	if c.AppName == "" {
		c.AppName = messenger.DefaultAppName
	}
	if c.Issuer == "" {
		c.Issuer = c.AppName
	}
	if c.Timeout < time.Second {
		c.Timeout = time.Second * 5
	}
	if c.CleanupCron == "" {
		c.CleanupCron = "@every 1m"
	}

	return c
}

// initStore loads the configured session store.
func initStore() interface {
	store.Store
	store.BackupStore
} {
	switch typ := ko.String("store.type"); typ {
	case "redis":
		var c redis.Conf
		if err := ko.UnmarshalWithConf("store.redis", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error loading redis config", "error", err)
		}
		return redis.New(c)

	case "memory", "":
		var c memory.Conf
		if err := ko.Unmarshal("store.memory", &c); err != nil {
			lo.Fatal("error loading memory store config", "error", err)
		}
		lo.Info("using the in-memory store. Sessions will not survive restarts")
		return memory.New(c)

	default:
		lo.Fatal("unknown store type", "type", typ)
	}

	return nil
}

// newProvider initializes a provider of the given type with its config
// section loaded into the provider's own config struct.
func newProvider(id, typ string) (models.Provider, error) {
	var (
		key = "provider." + id
		uc  = koanf.UnmarshalConf{Tag: "json"}
	)

	load := func(c interface{}) error {
		if err := ko.UnmarshalWithConf(key, c, uc); err != nil {
			return err
		}
		return validateStruct(c)
	}

	switch typ {
	case "pinpoint":
		var c pinpoint.Config
		if err := load(&c); err != nil {
			return nil, err
		}
		return pinpoint.New(c)

	case "sns":
		var c sns.Config
		if err := load(&c); err != nil {
			return nil, err
		}
		return sns.New(c)

	case "kaleyra":
		var c kaleyra.Config
		if err := load(&c); err != nil {
			return nil, err
		}
		return kaleyra.New(c)

	case "whatsapp":
		var c whatsapp.Config
		if err := load(&c); err != nil {
			return nil, err
		}
		return whatsapp.New(c)

	case "smtp":
		var c smtp.Config
		if err := load(&c); err != nil {
			return nil, err
		}
		return smtp.New(c)

	case "webhook":
		var c webhook.Config
		if err := load(&c); err != nil {
			return nil, err
		}
		c.ID = id
		return webhook.New(c)
	}

	return nil, fmt.Errorf("unknown provider type '%s'", typ)
}

// initMessenger loads all providers in the config along with their
// templates into a messenger.
func initMessenger(appName string, fs stuffbin.FileSystem) *messenger.Messenger {
	m := messenger.New(messenger.Opt{
		AppName: appName,
		Timeout: ko.Duration("otp.send_timeout"),
	}, lo)

	for _, id := range ko.MapKeys("provider") {
		var pc models.ProviderConfig
		if err := ko.Unmarshal("provider."+id, &pc); err != nil {
			lo.Fatal("error loading provider config", "provider", id, "error", err)
		}
		if pc.Type == "" {
			pc.Type = id
		}

		p, err := newProvider(id, pc.Type)
		if err != nil {
			lo.Fatal("error initializing provider", "provider", id, "error", err)
		}

		tpl, err := loadTpl(fs, pc.Template, pc.Subject)
		if err != nil {
			lo.Fatal("error loading provider template", "provider", id, "error", err)
		}

		if err := m.Register(p, tpl, pc.Timeout); err != nil {
			lo.Fatal("error registering provider", "provider", id, "error", err)
		}
		lo.Info("loaded provider", "provider", id, "type", pc.Type, "channel", p.Channel())
	}

	return m
}

// loadTpl loads a message template file from the embedded filesystem, or
// the local disk if it's not embedded. An empty path uses the default template.
func loadTpl(fs stuffbin.FileSystem, path, subject string) (*messenger.Tpl, error) {
	if path == "" {
		return messenger.ParseTpl("", subject)
	}

	b, err := fs.Read(path)
	if err != nil {
		b, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading template %s: %v", path, err)
		}
	}

	return messenger.ParseTpl(strings.TrimSpace(string(b)), subject)
}

// initManagers creates a session manager for every channel that has a provider.
func initManagers(channels []string, st store.Store) map[string]*otp.Manager {
	var o otp.Opt
	if err := ko.Unmarshal("otp", &o); err != nil {
		lo.Fatal("error loading otp config", "error", err)
	}
	if err := validateStruct(o); err != nil {
		lo.Fatal("invalid otp config", "error", err)
	}
	if !ko.Exists("otp.max_failures") {
		o.MaxFailures = otp.DefaultMaxFailures
	}

	out := make(map[string]*otp.Manager, len(channels))
	for _, ch := range channels {
		out[ch] = otp.New(ch, st, o, lo)
	}
	return out
}

func initTOTP() (*totp.TOTP, totpConf) {
	c := totpConf{Window: totp.DefaultWindow}
	if err := ko.Unmarshal("totp", &c); err != nil {
		lo.Fatal("error loading totp config", "error", err)
	}
	if err := validateStruct(c); err != nil {
		lo.Fatal("invalid totp config", "error", err)
	}

	return totp.New(c.Opt), c
}

func initBackupCodes(st store.BackupStore) (*backupcodes.Vault, backupConf) {
	var c backupConf
	if err := ko.Unmarshal("backup_codes", &c); err != nil {
		lo.Fatal("error loading backup_codes config", "error", err)
	}
	if err := validateStruct(c); err != nil {
		lo.Fatal("invalid backup_codes config", "error", err)
	}
	if c.Count == 0 {
		c.Count = backupcodes.DefaultCount
	}

	return backupcodes.NewVault(st, c.Cost, lo), c
}

// initAuth loads the namespace:secret authorisation maps.
func initAuth() map[string]string {
	out := make(map[string]string)
	for _, a := range ko.MapKeys("auth") {
		k := ko.StringMap("auth." + a)
		var (
			namespace = k["namespace"]
			secret    = k["secret"]
		)

		if namespace == "" || secret == "" {
			lo.Fatal("namespace or secret keys not found", "auth", a)
		}
		if strings.Contains(namespace, ":") {
			lo.Fatal("namespace cannot contain ':'", "auth", a)
		}
		out[namespace] = secret
	}

	return out
}

func initFS(exe string) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			// First argument is to the root to mount the files in the FileSystem
			// and the rest of the arguments are paths to embed.
			fs, err = stuffbin.NewLocalFS("/", "static/", "config.sample.toml:"+sampleConfig)
			if err != nil {
				log.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			log.Fatalf("error reading stuffed binary: %v", err)
		}
	}

	return fs
}
