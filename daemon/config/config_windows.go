package config

// Windows has no user database; passwd-file and group-file stay empty.
func setPlatformDefaults(*Config) {}
