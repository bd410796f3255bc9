package eventstore

import (
	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
)

// Sentinel errors for event store failures. Returned errors carry the
// underlying cause and match these with errors.Is.
var (
	ErrDatabaseOpenFailed = ferrors.EventStoreError("could not open event store database").Build()

	ErrInitializeSchemaFailed = ferrors.EventStoreError("failed to initialize event store schema").Build()

	ErrEventAppendFailed = ferrors.EventStoreError("failed to append event to store").Build()

	ErrEventQueryFailed = ferrors.EventStoreError("failed to query events from store").Build()

	ErrMarshalPayloadFailed = ferrors.EventStoreError("failed to marshal event payload").Build()

	ErrProjectionRebuildFailed = ferrors.EventStoreError("failed to rebuild projection").Build()
)

func storeError(sentinel *ferrors.ClassifiedError, err error) error {
	return ferrors.WrapError(err, sentinel.Category(), sentinel.Message()).Build()
}
