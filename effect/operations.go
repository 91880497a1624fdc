package effect

import "github.com/gurre/ddb-effect/docclient"

// Item operations.
var (
	GetItem    = FabricateCommandEffect(docclient.GetCommand)
	PutItem    = FabricateCommandEffect(docclient.PutCommand)
	UpdateItem = FabricateCommandEffect(docclient.UpdateCommand)
	DeleteItem = FabricateCommandEffect(docclient.DeleteCommand)
)

// Reads over many items.
var (
	Query = FabricateCommandEffect(docclient.QueryCommand)
	Scan  = FabricateCommandEffect(docclient.ScanCommand)
)

// Batch operations. Unprocessed items or keys are returned in the output for
// the caller to resubmit.
var (
	BatchGetItem   = FabricateCommandEffect(docclient.BatchGetCommand)
	BatchWriteItem = FabricateCommandEffect(docclient.BatchWriteCommand)
)

// Transactions.
var (
	TransactGetItems   = FabricateCommandEffect(docclient.TransactGetCommand)
	TransactWriteItems = FabricateCommandEffect(docclient.TransactWriteCommand)
)

// PartiQL.
var (
	ExecuteStatement      = FabricateCommandEffect(docclient.ExecuteStatementCommand)
	ExecuteTransaction    = FabricateCommandEffect(docclient.ExecuteTransactionCommand)
	BatchExecuteStatement = FabricateCommandEffect(docclient.BatchExecuteStatementCommand)
)
