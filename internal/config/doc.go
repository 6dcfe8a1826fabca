// Package config loads the configuration of a circles node.
//
// A configuration file is YAML or CUE, chosen by extension. CUE files are
// unified with the embedded schema and must be concrete. Both formats are
// then checked with validator struct rules and filled with defaults.
//
//	node:
//	  id: alpha
//	  listen: ":8480"
//	  addr: https://alpha.example.org
//	database: /var/lib/circles/alpha.db
//	remotes:
//	  - id: beta
//	    addr: https://beta.example.org
//	    trust: trusted
//	    secret: s3cret
package config
