package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOpr{},
	// Subaccounts
	&Subaccount{},
	&SubaccountSettings{},
	&SubaccountAnalytics{},
	// WhatsApp
	&WaSession{},
	&DripQueueItem{},
}
