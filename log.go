package metarelay

import "github.com/ethereum/go-ethereum/log"

var logger = log.New("module", "metarelay")
