package model

// LandingRoute はロールごとの既定遷移先。
type LandingRoute string

const (
	RouteCreateOrder    LandingRoute = "/orders/new"
	RouteTracking       LandingRoute = "/orders/tracking"
	RouteOrderList      LandingRoute = "/orders"
	RouteUserManagement LandingRoute = "/admin/users"
	RouteSignIn         LandingRoute = "/signin"
)

var landingRoutes = map[Role]LandingRoute{
	RoleRequester:   RouteCreateOrder,
	RoleSupervisor:  RouteTracking,
	RoleProcurement: RouteOrderList,
	RoleAdmin:       RouteUserManagement,
}

// LandingRouteFor はロールの既定遷移先を返す。未知または空のロールはサインイン画面。
func LandingRouteFor(role Role) LandingRoute {
	if r, ok := landingRoutes[role]; ok {
		return r
	}
	return RouteSignIn
}

// LandingRoutes はリダイレクト表のコピーを返す。
func LandingRoutes() map[Role]LandingRoute {
	out := make(map[Role]LandingRoute, len(landingRoutes))
	for k, v := range landingRoutes {
		out[k] = v
	}
	return out
}
