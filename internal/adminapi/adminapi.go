// Package adminapi exposes the authenticated management surface: login,
// subaccount CRUD, session lifecycle, drip queue and analytics reads.
package adminapi

// InitRouter registers every admin route; call before webserver.Init.
func InitRouter() {
	registerLoginRoutes()
	registerSubaccountRoutes()
	registerSessionRoutes()
	registerQueueRoutes()
	registerSettingsRoutes()
	registerAnalyticsRoutes()
}
