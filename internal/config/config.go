package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

var cfg *koanf.Koanf

const (
	CMD                = "cmd"
	CONFIG             = "config"
	LOG_LEVEL          = "log.level"
	CALDAV_URL         = "caldav.url"
	CALDAV_USER        = "caldav.user"
	CALDAV_PASS        = "caldav.pass"
	DB_DSN             = "db.dsn"
	SYNC_CRON          = "sync.cron"
	SYNC_WORKERS       = "sync.workers"
	SYNC_TIMEZONE      = "sync.timezone"
	SYNC_CASCADE_TASKS = "sync.cascade_tasks"
	SYNC_PRO           = "sync.pro"
	GEOCODE_URL        = "geocode.url"
	GEOFENCE_RADIUS    = "geofence.radius"
	prefix             = "TASKSYNC_"
)

func Gist() *koanf.Koanf {
	if cfg == nil {
		ini()
	}
	return cfg
}

func Sprint() string {
	sb := strings.Builder{}
	sb.WriteString("cmd|required|-\n")
	sb.WriteString("config|optional|-\n")
	sb.WriteString("log_level|optional|info\n")
	sb.WriteString("caldav_url|required|-\n")
	sb.WriteString("caldav_user|optional|-\n")
	sb.WriteString("caldav_pass|optional|-\n")
	sb.WriteString("db_dsn|optional|tasksync.db\n")
	sb.WriteString("sync_cron|optional|*/15 * * * *\n")
	sb.WriteString("sync_workers|optional|4\n")
	sb.WriteString("sync_timezone|optional|Local\n")
	sb.WriteString("sync_cascade_tasks|optional|false\n")
	sb.WriteString("sync_pro|optional|true\n")
	sb.WriteString("geocode_url|optional|https://nominatim.openstreetmap.org\n")
	sb.WriteString("geofence_radius|optional|250\n")
	return sb.String()
}

// Location returns the zone all-day values and wall-clock due times are
// read in.
func Location() *time.Location {
	name := Gist().String(SYNC_TIMEZONE)
	if name == "" || name == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Err(err).Str("timezone", name).Msg("error loading timezone, using local")
		return time.Local
	}
	return loc
}

func ini() {
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	k, err := load(f, os.Args[1:])
	if err != nil {
		log.Panic().Err(err).Msg("error loading config")
	}
	cfg = k

	lvl, err := zerolog.ParseLevel(cfg.String(LOG_LEVEL))
	if err != nil {
		log.Panic().Err(err).Msg("error parsing log level")
	}
	zerolog.SetGlobalLevel(lvl)

	printCfg()
}

// load applies defaults, then the optional YAML file, then TASKSYNC_
// environment variables, then command line flags.
func load(f *flag.FlagSet, args []string) (*koanf.Koanf, error) {
	k := koanf.New(".")

	f.String(CMD, "", "application run mode")
	f.String(CONFIG, "", "path to a yaml config file")
	f.String(LOG_LEVEL, "info", "log level")
	f.String(CALDAV_URL, "", "caldav url")
	f.String(CALDAV_USER, "", "caldav user")
	f.String(CALDAV_PASS, "", "caldav password")
	f.String(DB_DSN, "tasksync.db", "sqlite database")
	f.String(SYNC_CRON, "*/15 * * * *", "sync schedule")
	f.Int(SYNC_WORKERS, 4, "accounts synced in parallel")
	f.String(SYNC_TIMEZONE, "Local", "timezone for due dates")
	f.Bool(SYNC_CASCADE_TASKS, false, "delete local tasks together with remote ones")
	f.Bool(SYNC_PRO, true, "sync entitlement")
	f.String(GEOCODE_URL, "https://nominatim.openstreetmap.org", "reverse geocoding service")
	f.Int(GEOFENCE_RADIUS, 250, "geofence radius in meters")
	if err := f.Parse(args); err != nil {
		return nil, errors.Wrap(err, "error parsing flags")
	}

	path, _ := f.GetString(CONFIG)
	if path == "" {
		path = os.Getenv(prefix + "CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "error loading config file %s", path)
		}
	}
	if err := k.Load(env.Provider(prefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "error loading environment")
	}
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, errors.Wrap(err, "error loading flags")
	}
	return k, nil
}

// envKey maps TASKSYNC_SYNC_CASCADE_TASKS to sync.cascade_tasks.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, prefix)), "_", ".", 1)
}

func printCfg() {
	log.Debug().Msgf("cmd: %s", cfg.String(CMD))
	log.Debug().Msgf("config: %s", cfg.String(CONFIG))
	log.Debug().Msgf("log_level: %s", cfg.String(LOG_LEVEL))
	log.Debug().Msgf("caldav_url: %s", cfg.String(CALDAV_URL))
	log.Debug().Msgf("caldav_user: %s", cfg.String(CALDAV_USER))
	log.Debug().Msgf("db_dsn: %s", cfg.String(DB_DSN))
	log.Debug().Msgf("sync_cron: %s", cfg.String(SYNC_CRON))
	log.Debug().Msgf("sync_workers: %d", cfg.Int(SYNC_WORKERS))
	log.Debug().Msgf("sync_timezone: %s", cfg.String(SYNC_TIMEZONE))
	log.Debug().Msgf("sync_cascade_tasks: %t", cfg.Bool(SYNC_CASCADE_TASKS))
	log.Debug().Msgf("sync_pro: %t", cfg.Bool(SYNC_PRO))
	log.Debug().Msgf("geocode_url: %s", cfg.String(GEOCODE_URL))
	log.Debug().Msgf("geofence_radius: %d", cfg.Int(GEOFENCE_RADIUS))
}
