/*
Package auth authenticates API requests with static API keys.

Keys come from the server.auth section of the configuration:

	server:
	  auth:
	    enabled: true
	    keys:
	      - name: web-frontend
	        key: ${set in the config file}
	        role: client
	      - name: experiment-admin
	        key: ...
	        role: admin

A request presents its key as a bearer token or in the X-API-Key header:

	Authorization: Bearer <key>
	X-API-Key: <key>

Client keys may call the assignment and conversion endpoints. Admin keys may
call every endpoint, including experiment management.

# Usage

	authn, err := auth.FromConfig(cfg.Server.Auth)
	if err != nil {
		return err
	}
	info, err := authn.Authenticate(r)
	if err != nil {
		// 401
	}
	if !info.Role.Allows(auth.RoleAdmin) {
		// 403
	}

FromConfig returns nil when auth is disabled; the server then serves every
route unauthenticated.
*/
package auth
