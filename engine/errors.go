package engine

import "errors"

var (
	errUnknownProtocol    = errors.New("engine: unknown protocol")
	errUnknownKeyKind     = errors.New("engine: unknown key kind")
	errNoTables           = errors.New("engine: config declares no tables")
	errDuplicateTable     = errors.New("engine: duplicate table name")
	errConfigFileNotFound = errors.New("engine: config file not found")
	errConfigInvalid      = errors.New("engine: invalid config file")
	errScanRequiresMVCC   = errors.New("engine: Scan requires Config.Protocol == ProtocolMVCC")
)
