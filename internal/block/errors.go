package block

import "errors"

// errAlreadyLoaded is returned by Block.Load when bytecode was already
// installed (spec §6 "block_load... fails if previously loaded").
var errAlreadyLoaded = errors.New("block: bytecode already loaded")
