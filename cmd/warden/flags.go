package main

import "time"

// ConnFlags Flag structs to decouple cobra from logic for testing.
// These connection settings are registered as persistent flags on the
// root command and inherited by every remote subcommand.
type ConnFlags struct {
	ServerURL string
	BasePath  string
	Password  string
	Timeout   time.Duration
	Insecure  bool
	CACert    string
}

type ConfigGetFlags struct {
	Output string
}

type ConfigSetFlags struct {
	File string
}

type ExportFlags struct {
	Output string
}

type ImportFlags struct {
	File string
}

type JournalFlags struct {
	Limit int
}

type TemplateFlags struct {
	Profile string
	Service string
	Output  string
	Force   bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PIDFile    string
	LogFile    string
}
