package modify

import "github.com/dcmstore/dcmstore/cmn"

var (
	errAllowManualIdentifiers = cmn.NewError(cmn.ParameterOutOfRange,
		"replacing StudyInstanceUID/SeriesInstanceUID/SOPInstanceUID requires AllowManualIdentifiers")
	errKeepsAllUIDsWithoutOverwrite = cmn.NewError(cmn.ParameterOutOfRange,
		"a modification that keeps all three UIDs requires KeepSource and the global OverwriteInstances setting")
)
