package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/casmkit/relaxctl/internal/observability"
	"github.com/casmkit/relaxctl/pkg/project"
	"github.com/casmkit/relaxctl/pkg/queue"
	"github.com/casmkit/relaxctl/pkg/relax"
	"github.com/casmkit/relaxctl/pkg/settings"
	"github.com/casmkit/relaxctl/pkg/vasp"
)

// calcContext is everything resolved for one configuration directory.
type calcContext struct {
	root     string
	calctype string
	cfgdir   string

	raw *settings.Raw
	st  settings.Resolved

	controller *relax.Controller
	engine     *vasp.Relax

	close func()
}

// openJobDB opens the configured sqlite job database.
func openJobDB(ctx context.Context) (*queue.DB, error) {
	path := toolCfg.Jobs.DBPath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create job db dir: %w", err)
	}
	db, err := queue.OpenDB(ctx, queue.DBConfig{Path: path})
	if err != nil {
		return nil, fmt.Errorf("open job db %s: %w", path, err)
	}
	return db, nil
}

// resolveConfigDir turns a command argument into an absolute configuration
// directory, defaulting to the working directory.
func resolveConfigDir(arg string) (string, error) {
	dir := arg
	if dir == "" {
		d, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = d
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("configuration directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("configuration directory: not a directory: %s", abs)
	}
	return abs, nil
}

// newCalcContext wires a controller for one configuration: project lookup,
// settings crawl, engine, and queue client.
func newCalcContext(ctx context.Context, configdir string, auto bool) (*calcContext, error) {
	log := observability.CLILogger

	root, err := project.Path(configdir)
	if err != nil {
		return nil, err
	}
	psettings, err := project.LoadSettings(root)
	if err != nil {
		return nil, err
	}
	calctype := psettings.Calctype
	ds := project.NewDirectoryStructure(root)

	settingsPath := ds.SettingsPathCrawl(relax.SettingsCopyFileName, calctype, configdir)
	if settingsPath == "" {
		return nil, fmt.Errorf("no %s found for calctype %q between %s and the project root",
			relax.SettingsCopyFileName, calctype, configdir)
	}
	raw, err := settings.Load(settingsPath)
	if err != nil {
		return nil, err
	}
	st := raw.Resolve(settings.OSEnv)

	log.Debug("resolved calculation settings",
		zap.String("project", root),
		zap.String("calctype", calctype),
		zap.String("settings", settingsPath),
		zap.Int("run_limit", st.RunLimit))

	calcdir := ds.CalctypeDir(configdir, calctype)
	posPath := filepath.Join(configdir, "POS")

	extra, err := ds.ExtraInputPaths(raw.ExtraInputFiles, calctype, configdir)
	if err != nil {
		return nil, err
	}
	inputs := vasp.InputSet{
		Incar:   ds.SettingsPathCrawl("INCAR", calctype, configdir),
		Kpoints: ds.SettingsPathCrawl("KPOINTS", calctype, configdir),
		Poscar:  posPath,
		Extra:   extra,
	}
	if raw.Initial != "" {
		inputs.Initial = ds.SettingsPathCrawl(raw.Initial, calctype, configdir)
	}
	if raw.Final != "" {
		inputs.Final = ds.SettingsPathCrawl(raw.Final, calctype, configdir)
	}
	engine := vasp.NewRelax(calcdir, st, inputs)

	db, err := openJobDB(ctx)
	if err != nil {
		return nil, err
	}

	cfg := relax.Config{
		ConfigDir:       configdir,
		CalcDir:         calcdir,
		PosPath:         posPath,
		SettingsCopyDir: ds.CalcSettingsDir(configdir, calctype),
		JobName:         project.JobName(configdir),
		JobCommand:      fmt.Sprintf("relaxctl run --auto %q", configdir),
		Auto:            auto,
	}
	controller := relax.NewController(cfg, raw, st, engine, queue.NewPBSClient(db),
		relax.WithLogger(log))

	return &calcContext{
		root:       root,
		calctype:   calctype,
		cfgdir:     configdir,
		raw:        raw,
		st:         st,
		controller: controller,
		engine:     engine,
		close:      func() { _ = db.Close() },
	}, nil
}
