package engine

import "github.com/calvinalkan/sgtx/lfmap"

func stringKeyHash(key any) uint64 { return lfmap.HashString(key.(string)) }

func uint64KeyHash(key any) uint64 { return lfmap.HashUint64(key.(uint64)) }
