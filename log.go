package paychan

import (
	log "github.com/ipfs/go-log/v2"
)

var logger = log.Logger("paychan")
var claimLogger = log.Logger("paychan/claims")
