// Package config loads nbkernel configuration.
//
// Configuration is read from a TOML or YAML file chosen by extension, then
// overridden by NBKERNEL_* environment variables:
//
//	# nbkernel.toml
//	[logging]
//	level = "debug"
//
//	[kernel]
//	spec_dirs = ["/opt/kernels"]
//	bind_timeout = "10s"
//
//	[metrics]
//	addr = ":9464"
//
// A missing file is not an error; defaults apply.
package config
