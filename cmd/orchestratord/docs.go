package main

// General API documentation for swaggo. internal/httpapi/docs is maintained
// by hand to match these annotations.
//
// @title           genpool orchestrator API
// @version         1.0
// @description     Admin and generation surface for the image-generation backend pool.
//
// @contact.name   genpool maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
