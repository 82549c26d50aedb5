package api

import "net/http"

// Register mounts the machine and admin routes on mux under prefix ("" or
// "/v1"). adminAuth wraps every admin route.
func (h *Handler) Register(mux *http.ServeMux, prefix string, adminAuth func(http.Handler) http.Handler) {
	machine := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, fn)
	}
	private := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, adminAuth(fn))
	}

	machine("POST "+prefix+"/licenses/activate", h.HandleActivate)
	machine("POST "+prefix+"/licenses/verify", h.HandleVerify)
	machine("POST "+prefix+"/licenses/inject", h.HandleInject)

	private("POST "+prefix+"/admin/licenses/generate", h.HandleGenerate)
	private("GET "+prefix+"/admin/licenses/{id}", h.HandleGetLicense)
	private("PUT "+prefix+"/admin/licenses/{id}/status", h.HandleLicenseStatus)
	private("DELETE "+prefix+"/admin/licenses/{id}", h.HandleDeleteLicense)
	private("POST "+prefix+"/admin/licenses/{id}/unbind", h.HandleUnbindDevice)
	private("POST "+prefix+"/admin/tokens", h.HandleAddToken)
	private("DELETE "+prefix+"/admin/tokens/{id}", h.HandleDeleteToken)
	private("PUT "+prefix+"/admin/tokens/{id}/status", h.HandleTokenStatus)
}
