package pg

import "flag"

type Config struct {
	Conn     string `yaml:"conn"`
	MaxConns int    `yaml:"max_conns"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Conn, flagPrefix+"pg.conn", "", `Postgres connection string`)
	f.IntVar(&c.MaxConns, flagPrefix+"pg.max-conns", 16, `Maximum size of the postgres connection pool`)
}
